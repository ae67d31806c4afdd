package plan

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	domainaudit "github.com/matiasleandrokruk/wanderplan/internal/domain/audit"
	"github.com/matiasleandrokruk/wanderplan/internal/domain/preferences"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/eventbus"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/llm"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/sqlite"
	"github.com/matiasleandrokruk/wanderplan/pkg/uuid"
)

const maxStoredError = 500

// CodeInternal marks a failed generation not caused by the model adapter.
const CodeInternal = "INTERNAL_ERROR"

type preferenceReader interface {
	Get(ctx context.Context, userID string) (*preferences.Preferences, error)
}

type auditLogger interface {
	LogWithDetails(
		ctx context.Context,
		actorID string,
		action string,
		entityType *string,
		entityID *string,
		details *domainaudit.EventDetails,
		outcome domainaudit.Outcome,
	) error
}

// Service persists plans and drives generation.
type Service struct {
	db        *sql.DB
	generator Generator
	prefs     preferenceReader
	bus       eventbus.EventBus
	audit     auditLogger
	logger    *slog.Logger
	now       func() time.Time
}

// Deps are the optional collaborators of Service.
type Deps struct {
	Preferences preferenceReader
	Bus         eventbus.EventBus
	Audit       auditLogger
	Logger      *slog.Logger
}

// NewService creates a plan service. generator is required.
func NewService(db *sql.DB, generator Generator, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		db:        db,
		generator: generator,
		prefs:     deps.Preferences,
		bus:       deps.Bus,
		audit:     deps.Audit,
		logger:    logger,
		now:       time.Now,
	}
}

// Create stores a new draft plan.
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*Plan, error) {
	v, err := in.validate()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	p := &Plan{
		ID:          uuid.New(),
		UserID:      userID,
		Destination: v.Destination,
		StartDate:   v.StartDate,
		EndDate:     v.EndDate,
		Travelers:   v.Travelers,
		Budget:      v.Budget,
		Notes:       v.Notes,
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ts := sqlite.FormatTime(now)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (id, user_id, destination, start_date, end_date, travelers, budget, notes, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.UserID, p.Destination, p.StartDate, p.EndDate, p.Travelers, p.Budget, p.Notes, string(p.Status), ts, ts)
	if err != nil {
		return nil, fmt.Errorf("plan: create: %w", err)
	}

	s.logAudit(ctx, userID, domainaudit.ActionPlanCreate, p.ID, nil, domainaudit.OutcomeSuccess)
	return p, nil
}

const planColumns = `id, user_id, destination, start_date, end_date, travelers, budget, notes, status,
	itinerary, model, prompt_tokens, completion_tokens, total_tokens, error_code, error_message,
	generated_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*Plan, error) {
	var (
		p                    Plan
		status               string
		itinerary            sql.NullString
		generatedAt          sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Destination, &p.StartDate, &p.EndDate, &p.Travelers,
		&p.Budget, &p.Notes, &status, &itinerary, &p.Model,
		&p.Usage.PromptTokens, &p.Usage.CompletionTokens, &p.Usage.TotalTokens,
		&p.ErrorCode, &p.ErrorMessage, &generatedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = Status(status)
	if itinerary.Valid && itinerary.String != "" {
		var it Itinerary
		if err := json.Unmarshal([]byte(itinerary.String), &it); err != nil {
			return nil, fmt.Errorf("decode itinerary: %w", err)
		}
		p.Itinerary = &it
	}
	if generatedAt.Valid {
		if t, err := sqlite.ParseTime(generatedAt.String); err == nil {
			p.GeneratedAt = &t
		}
	}
	p.CreatedAt, _ = sqlite.ParseTime(createdAt)
	p.UpdatedAt, _ = sqlite.ParseTime(updatedAt)
	return &p, nil
}

// Get returns the plan if it belongs to userID.
func (s *Service) Get(ctx context.Context, userID, planID string) (*Plan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE id = ? AND user_id = ?`, planID, userID)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("plan: get: %w", err)
	}
	return p, nil
}

// List returns one page of the user's plans, newest first, and the total count.
// Itineraries are not loaded.
func (s *Service) List(ctx context.Context, userID string, opts ListOptions) ([]*Plan, int, error) {
	if opts.Limit <= 0 {
		opts.Limit = 25
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	where := `WHERE user_id = ?`
	args := []any{userID}
	if opts.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(opts.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plans `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("plan: count: %w", err)
	}

	cols := strings.Replace(planColumns, "itinerary,", "NULL,", 1)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cols+` FROM plans `+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("plan: list: %w", err)
	}
	defer rows.Close()

	plans := make([]*Plan, 0, opts.Limit)
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("plan: scan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("plan: list: %w", err)
	}
	return plans, total, nil
}

// Delete removes the plan. A plan being generated cannot be deleted.
func (s *Service) Delete(ctx context.Context, userID, planID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM plans WHERE id = ? AND user_id = ? AND status != ?`,
		planID, userID, string(StatusGenerating))
	if err != nil {
		return fmt.Errorf("plan: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, userID, planID); err != nil {
			return err
		}
		return ErrGenerationInProgress
	}
	s.logAudit(ctx, userID, domainaudit.ActionPlanDelete, planID, nil, domainaudit.OutcomeSuccess)
	return nil
}

// Generate drafts an itinerary for the plan and stores the outcome.
// The plan moves to generating, then to generated or failed. Adapter errors
// are returned unchanged so callers can switch on their code.
func (s *Service) Generate(ctx context.Context, userID, planID string) (*Plan, error) {
	p, err := s.claim(ctx, userID, planID)
	if err != nil {
		return nil, err
	}

	req, err := s.request(ctx, p)
	if err != nil {
		s.fail(ctx, p, err)
		return nil, err
	}

	start := s.now()
	gen, err := s.generator.Generate(ctx, req)
	if err != nil {
		s.fail(ctx, p, err)
		return nil, err
	}

	if err := s.complete(ctx, p, gen); err != nil {
		s.fail(ctx, p, err)
		return nil, err
	}
	s.logger.Info("plan generated",
		"plan_id", p.ID,
		"days", len(gen.Itinerary.Days),
		"model", gen.Model,
		"total_tokens", gen.Usage.TotalTokens,
		"duration_ms", s.now().Sub(start).Milliseconds(),
	)

	if s.bus != nil {
		s.bus.Publish(eventbus.TopicPlanGenerated, GeneratedEvent{
			PlanID:    p.ID,
			UserID:    userID,
			Model:     gen.Model,
			RequestID: gen.RequestID,
			Usage:     gen.Usage,
			At:        *p.GeneratedAt,
		})
	}
	s.logAudit(ctx, userID, domainaudit.ActionPlanGenerate, p.ID,
		&domainaudit.EventDetails{Metadata: map[string]any{"model": gen.Model, "total_tokens": gen.Usage.TotalTokens}},
		domainaudit.OutcomeSuccess)
	return p, nil
}

// claim moves the plan to generating unless a generation is already running.
func (s *Service) claim(ctx context.Context, userID, planID string) (*Plan, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plans SET status = ?, error_code = '', error_message = '', updated_at = ?
		WHERE id = ? AND user_id = ? AND status != ?
	`, string(StatusGenerating), sqlite.FormatTime(s.now()), planID, userID, string(StatusGenerating))
	if err != nil {
		return nil, fmt.Errorf("plan: claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, userID, planID); err != nil {
			return nil, err
		}
		return nil, ErrGenerationInProgress
	}
	return s.Get(ctx, userID, planID)
}

func (s *Service) request(ctx context.Context, p *Plan) (Request, error) {
	start, err := time.Parse(DateLayout, p.StartDate)
	if err != nil {
		return Request{}, fmt.Errorf("plan: stored start date: %w", err)
	}
	end, err := time.Parse(DateLayout, p.EndDate)
	if err != nil {
		return Request{}, fmt.Errorf("plan: stored end date: %w", err)
	}
	req := Request{
		Destination: p.Destination,
		StartDate:   start,
		EndDate:     end,
		Travelers:   p.Travelers,
		Budget:      p.Budget,
		Notes:       p.Notes,
	}
	if s.prefs != nil {
		prefs, err := s.prefs.Get(ctx, p.UserID)
		switch {
		case err == nil:
			req.Preferences = prefs
		case errors.Is(err, preferences.ErrNotFound):
		default:
			return Request{}, fmt.Errorf("plan: load preferences: %w", err)
		}
	}
	return req, nil
}

func (s *Service) complete(ctx context.Context, p *Plan, gen *Generation) error {
	raw, err := json.Marshal(gen.Itinerary)
	if err != nil {
		return fmt.Errorf("plan: encode itinerary: %w", err)
	}
	now := s.now().UTC()
	ts := sqlite.FormatTime(now)
	_, err = s.db.ExecContext(ctx, `
		UPDATE plans SET status = ?, itinerary = ?, model = ?,
			prompt_tokens = ?, completion_tokens = ?, total_tokens = ?,
			error_code = '', error_message = '', generated_at = ?, updated_at = ?
		WHERE id = ?
	`, string(StatusGenerated), string(raw), gen.Model,
		gen.Usage.PromptTokens, gen.Usage.CompletionTokens, gen.Usage.TotalTokens,
		ts, ts, p.ID)
	if err != nil {
		return fmt.Errorf("plan: store itinerary: %w", err)
	}

	it := gen.Itinerary
	p.Status = StatusGenerated
	p.Itinerary = &it
	p.Model = gen.Model
	p.Usage = gen.Usage
	p.ErrorCode, p.ErrorMessage = "", ""
	p.GeneratedAt = &now
	p.UpdatedAt = now
	return nil
}

// fail records the failure on a fresh context so a cancelled request still
// leaves the plan out of the generating state.
func (s *Service) fail(ctx context.Context, p *Plan, cause error) {
	code := string(llm.CodeOf(cause))
	if code == "" {
		code = CodeInternal
	}
	msg := truncateUTF8(cause.Error(), maxStoredError)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(writeCtx, `
		UPDATE plans SET status = ?, error_code = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`, string(StatusFailed), code, msg, sqlite.FormatTime(s.now()), p.ID)
	if err != nil {
		s.logger.Error("plan: record failure", "plan_id", p.ID, "error", err)
	}

	s.logger.Warn("plan generation failed", "plan_id", p.ID, "code", code)
	s.logAudit(writeCtx, p.UserID, domainaudit.ActionPlanGenerate, p.ID,
		&domainaudit.EventDetails{Code: code}, domainaudit.OutcomeError)
}

// RecoverInterrupted marks plans left in generating by a previous process as failed.
func (s *Service) RecoverInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plans SET status = ?, error_code = ?, error_message = 'generation interrupted', updated_at = ?
		WHERE status = ?
	`, string(StatusFailed), CodeInternal, sqlite.FormatTime(s.now()), string(StatusGenerating))
	if err != nil {
		return 0, fmt.Errorf("plan: recover interrupted: %w", err)
	}
	return res.RowsAffected()
}

func (s *Service) logAudit(ctx context.Context, userID, action, planID string, details *domainaudit.EventDetails, outcome domainaudit.Outcome) {
	if s.audit == nil {
		return
	}
	entity := domainaudit.EntityPlan
	if err := s.audit.LogWithDetails(ctx, userID, action, &entity, &planID, details, outcome); err != nil {
		s.logger.Warn("audit write failed", "action", action, "error", err)
	}
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
