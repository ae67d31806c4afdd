package plan

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/matiasleandrokruk/wanderplan/internal/infra/eventbus"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/sqlite"
	"github.com/matiasleandrokruk/wanderplan/pkg/uuid"
)

// UsageTotals is the token spend of one user.
type UsageTotals struct {
	Generations      int `json:"generations"`
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// UsageRecorder writes one llm_usage row per generated plan.
type UsageRecorder struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewUsageRecorder(db *sql.DB, logger *slog.Logger) *UsageRecorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &UsageRecorder{db: db, logger: logger}
}

// Start consumes TopicPlanGenerated until ctx is done, then records the
// events still buffered. The returned channel is closed once the consumer
// has exited.
func (r *UsageRecorder) Start(ctx context.Context, bus eventbus.EventBus) <-chan struct{} {
	ch := bus.Subscribe(eventbus.TopicPlanGenerated)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				// Unsubscribe closes ch, so the range ends after the backlog.
				bus.Unsubscribe(eventbus.TopicPlanGenerated, ch)
				for evt := range ch {
					r.handle(ctx, evt)
				}
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				r.handle(ctx, evt)
			}
		}
	}()
	return done
}

func (r *UsageRecorder) handle(ctx context.Context, evt eventbus.Event) {
	gen, ok := evt.Payload.(GeneratedEvent)
	if !ok {
		return
	}
	if err := r.Record(context.WithoutCancel(ctx), gen); err != nil {
		r.logger.Error("usage: record failed", "plan_id", gen.PlanID, "error", err)
	}
}

// Record stores the usage of one generation.
func (r *UsageRecorder) Record(ctx context.Context, evt GeneratedEvent) error {
	at := evt.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO llm_usage (id, user_id, plan_id, model, request_id, prompt_tokens, completion_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.New(), evt.UserID, evt.PlanID, evt.Model, evt.RequestID,
		evt.Usage.PromptTokens, evt.Usage.CompletionTokens, evt.Usage.TotalTokens, sqlite.FormatTime(at))
	if err != nil {
		return fmt.Errorf("usage: insert: %w", err)
	}
	return nil
}

// TotalsForUser sums recorded usage since the given time. A zero since means all time.
func (r *UsageRecorder) TotalsForUser(ctx context.Context, userID string, since time.Time) (UsageTotals, error) {
	var t UsageTotals
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0)
		FROM llm_usage
		WHERE user_id = ? AND created_at >= ?
	`, userID, sqlite.FormatTime(since)).Scan(&t.Generations, &t.PromptTokens, &t.CompletionTokens, &t.TotalTokens)
	if err != nil {
		return UsageTotals{}, fmt.Errorf("usage: totals: %w", err)
	}
	return t, nil
}
