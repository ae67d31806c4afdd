package plan

import (
	"context"
	"testing"
	"time"

	"github.com/matiasleandrokruk/wanderplan/internal/infra/eventbus"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/llm"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/sqlite/sqlitetest"
)

func TestUsageRecorder_TotalsForUser(t *testing.T) {
	t.Parallel()

	db := sqlitetest.New(t)
	rec := NewUsageRecorder(db, nil)
	ctx := context.Background()
	jan := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

	for _, evt := range []GeneratedEvent{
		{PlanID: "p1", UserID: "u1", Model: "m", Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}, At: jan},
		{PlanID: "p2", UserID: "u1", Model: "m", Usage: llm.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}, At: feb},
		{PlanID: "p3", UserID: "u2", Model: "m", Usage: llm.Usage{TotalTokens: 99}, At: feb},
	} {
		if err := rec.Record(ctx, evt); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := rec.TotalsForUser(ctx, "u1", time.Time{})
	if err != nil {
		t.Fatalf("TotalsForUser: %v", err)
	}
	if all != (UsageTotals{Generations: 2, PromptTokens: 11, CompletionTokens: 22, TotalTokens: 33}) {
		t.Errorf("all-time totals = %+v", all)
	}

	recent, err := rec.TotalsForUser(ctx, "u1", feb)
	if err != nil {
		t.Fatalf("TotalsForUser since: %v", err)
	}
	if recent.Generations != 1 || recent.TotalTokens != 3 {
		t.Errorf("totals since feb = %+v", recent)
	}

	none, err := rec.TotalsForUser(ctx, "nobody", time.Time{})
	if err != nil || none != (UsageTotals{}) {
		t.Errorf("empty totals = %+v, %v", none, err)
	}
}

func TestUsageRecorder_ConsumesPlanGenerated(t *testing.T) {
	t.Parallel()

	db := sqlitetest.New(t)
	bus := eventbus.New()
	rec := NewUsageRecorder(db, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := rec.Start(ctx, bus)

	bus.Publish(eventbus.TopicPlanGenerated, "ignored payload")
	bus.Publish(eventbus.TopicPlanGenerated, GeneratedEvent{
		PlanID: "p1", UserID: "u1", Model: "m", Usage: llm.Usage{TotalTokens: 42},
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		totals, err := rec.TotalsForUser(context.Background(), "u1", time.Time{})
		if err != nil {
			t.Fatalf("TotalsForUser: %v", err)
		}
		if totals.TotalTokens == 42 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("usage not recorded; totals = %+v", totals)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recorder did not stop")
	}
}

func TestUsageRecorder_RecordsBacklogOnStop(t *testing.T) {
	t.Parallel()

	db := sqlitetest.New(t)
	bus := eventbus.New()
	rec := NewUsageRecorder(db, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := rec.Start(ctx, bus)

	const n = 50
	for i := 0; i < n; i++ {
		bus.Publish(eventbus.TopicPlanGenerated, GeneratedEvent{
			PlanID: "p", UserID: "u1", Model: "m", Usage: llm.Usage{TotalTokens: 2},
		})
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recorder did not stop")
	}

	if dropped := bus.Dropped(); dropped != 0 {
		t.Fatalf("bus dropped %d events", dropped)
	}
	totals, err := rec.TotalsForUser(context.Background(), "u1", time.Time{})
	if err != nil {
		t.Fatalf("TotalsForUser: %v", err)
	}
	if totals.Generations != n || totals.TotalTokens != 2*n {
		t.Errorf("totals after stop = %+v; want %d generations", totals, n)
	}

	bus.Publish(eventbus.TopicPlanGenerated, GeneratedEvent{PlanID: "late", UserID: "u1"})
	if dropped := bus.Dropped(); dropped != 0 {
		t.Errorf("publish after stop reached a closed subscriber (dropped %d)", dropped)
	}
}
