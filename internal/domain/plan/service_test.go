package plan

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	domainaudit "github.com/matiasleandrokruk/wanderplan/internal/domain/audit"
	"github.com/matiasleandrokruk/wanderplan/internal/domain/preferences"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/eventbus"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/llm"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/sqlite/sqlitetest"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls []Request
	fn    func(ctx context.Context, req Request) (*Generation, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, req Request) (*Generation, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func sampleItinerary(days int) Itinerary {
	it := Itinerary{
		Title:              "Lisbon in spring",
		Summary:            "Hills, tiles and pastries.",
		Tips:               []string{"Buy a Viva Viagem card."},
		EstimatedTotalCost: 420,
		Currency:           "EUR",
	}
	for i := 1; i <= days; i++ {
		it.Days = append(it.Days, Day{
			Day:   i,
			Theme: "Explore",
			Activities: []Activity{
				{Time: "09:00", Title: "Walk", Description: "Old town", Location: "Alfama", EstimatedCost: 0, Category: "sightseeing"},
			},
		})
	}
	return it
}

func okGenerator() *fakeGenerator {
	return &fakeGenerator{fn: func(_ context.Context, req Request) (*Generation, error) {
		return &Generation{
			Itinerary: sampleItinerary(req.Days()),
			Model:     "openai/gpt-4o-mini",
			RequestID: "gen-1",
			Usage:     llm.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
		}, nil
	}}
}

type env struct {
	db     *sql.DB
	svc    *Service
	gen    *fakeGenerator
	bus    *eventbus.Bus
	audit  *domainaudit.Service
	userID string
}

func newEnv(t *testing.T, gen *fakeGenerator) *env {
	t.Helper()
	db := sqlitetest.New(t)
	userID := sqlitetest.InsertUser(t, db, "user-1", "ana@example.com")
	bus := eventbus.New()
	audit := domainaudit.NewService(db)
	svc := NewService(db, gen, Deps{
		Preferences: preferences.NewService(db, nil),
		Bus:         bus,
		Audit:       audit,
	})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	svc.now = func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Second)
	}
	return &env{db: db, svc: svc, gen: gen, bus: bus, audit: audit, userID: userID}
}

func lisbon() CreateInput {
	return CreateInput{
		Destination: "  Lisbon, Portugal ",
		StartDate:   "2026-04-10",
		EndDate:     "2026-04-12",
		Travelers:   2,
		Budget:      "1500 EUR",
	}
}

func TestCreate_StoresDraft(t *testing.T) {
	t.Parallel()

	e := newEnv(t, okGenerator())
	ctx := context.Background()

	p, err := e.svc.Create(ctx, e.userID, lisbon())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Status != StatusDraft || p.Destination != "Lisbon, Portugal" || p.Days() != 3 {
		t.Errorf("unexpected plan %+v", p)
	}

	got, err := e.svc.Get(ctx, e.userID, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Itinerary != nil || got.Travelers != 2 || got.Budget != "1500 EUR" || !got.CreatedAt.Equal(p.CreatedAt) {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestCreate_Validation(t *testing.T) {
	t.Parallel()

	e := newEnv(t, okGenerator())
	cases := []struct {
		name   string
		mutate func(*CreateInput)
		want   string
	}{
		{"empty destination", func(in *CreateInput) { in.Destination = "  " }, "destination is required"},
		{"long destination", func(in *CreateInput) { in.Destination = strings.Repeat("a", MaxDestination+1) }, "destination exceeds"},
		{"bad start", func(in *CreateInput) { in.StartDate = "10/04/2026" }, "startDate"},
		{"bad end", func(in *CreateInput) { in.EndDate = "" }, "endDate must be"},
		{"end before start", func(in *CreateInput) { in.EndDate = "2026-04-09" }, "before startDate"},
		{"too long", func(in *CreateInput) { in.EndDate = "2026-05-10" }, "maximum is 30"},
		{"no travelers", func(in *CreateInput) { in.Travelers = 0 }, "travelers"},
		{"too many travelers", func(in *CreateInput) { in.Travelers = 21 }, "travelers"},
		{"long notes", func(in *CreateInput) { in.Notes = strings.Repeat("n", MaxPlanNotesChars+1) }, "notes exceed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := lisbon()
			tc.mutate(&in)
			_, err := e.svc.Create(context.Background(), e.userID, in)
			if !errors.Is(err, ErrInvalidInput) || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v; want ErrInvalidInput containing %q", err, tc.want)
			}
		})
	}
}

func TestCreate_ThirtyDayTripAllowed(t *testing.T) {
	t.Parallel()

	e := newEnv(t, okGenerator())
	in := lisbon()
	in.StartDate, in.EndDate = "2026-04-01", "2026-04-30"
	p, err := e.svc.Create(context.Background(), e.userID, in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Days() != MaxTripDays {
		t.Errorf("Days() = %d; want %d", p.Days(), MaxTripDays)
	}
}

func TestGet_OtherUserIsNotFound(t *testing.T) {
	t.Parallel()

	e := newEnv(t, okGenerator())
	ctx := context.Background()
	other := sqlitetest.InsertUser(t, e.db, "user-2", "bo@example.com")

	p, err := e.svc.Create(ctx, e.userID, lisbon())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.svc.Get(ctx, other, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(other) = %v; want ErrNotFound", err)
	}
	if err := e.svc.Delete(ctx, other, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(other) = %v; want ErrNotFound", err)
	}
	if _, err := e.svc.Generate(ctx, other, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Generate(other) = %v; want ErrNotFound", err)
	}
}

func TestList_NewestFirstWithPaging(t *testing.T) {
	t.Parallel()

	e := newEnv(t, okGenerator())
	ctx := context.Background()

	var ids []string
	for _, dest := range []string{"Lisbon", "Porto", "Madrid"} {
		in := lisbon()
		in.Destination = dest
		p, err := e.svc.Create(ctx, e.userID, in)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, p.ID)
	}
	if _, err := e.svc.Generate(ctx, e.userID, ids[0]); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	page, total, err := e.svc.List(ctx, e.userID, ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(page) != 2 {
		t.Fatalf("total=%d len=%d; want 3 and 2", total, len(page))
	}
	if page[0].ID != ids[2] || page[1].ID != ids[1] {
		t.Errorf("order = %s, %s; want newest first", page[0].Destination, page[1].Destination)
	}

	rest, _, err := e.svc.List(ctx, e.userID, ListOptions{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List offset: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != ids[0] {
		t.Fatalf("second page = %+v", rest)
	}
	if rest[0].Itinerary != nil {
		t.Error("List should not load itineraries")
	}
	if rest[0].Status != StatusGenerated || rest[0].Usage.TotalTokens != 150 {
		t.Errorf("listed plan = %+v", rest[0])
	}

	generated, total, err := e.svc.List(ctx, e.userID, ListOptions{Status: StatusGenerated})
	if err != nil {
		t.Fatalf("List status: %v", err)
	}
	if total != 1 || len(generated) != 1 {
		t.Errorf("status filter total=%d len=%d; want 1", total, len(generated))
	}
}

func TestGenerate_Success(t *testing.T) {
	t.Parallel()

	e := newEnv(t, okGenerator())
	ctx := context.Background()
	events := e.bus.Subscribe(eventbus.TopicPlanGenerated)

	if _, err := preferences.NewService(e.db, nil).Upsert(ctx, e.userID, preferences.Input{
		TravelStyle: preferences.StyleCultural,
		Pace:        preferences.PaceSlow,
		BudgetLevel: preferences.BudgetMedium,
		Interests:   []string{"food"},
	}); err != nil {
		t.Fatalf("Upsert preferences: %v", err)
	}

	p, err := e.svc.Create(ctx, e.userID, lisbon())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := e.svc.Generate(ctx, e.userID, p.ID)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got.Status != StatusGenerated || got.Itinerary == nil || len(got.Itinerary.Days) != 3 || got.GeneratedAt == nil {
		t.Fatalf("unexpected generated plan %+v", got)
	}

	if len(e.gen.calls) != 1 {
		t.Fatalf("generator calls = %d; want 1", len(e.gen.calls))
	}
	req := e.gen.calls[0]
	if req.Preferences == nil || req.Preferences.Pace != preferences.PaceSlow {
		t.Errorf("preferences not passed to generator: %+v", req.Preferences)
	}
	if req.Days() != 3 || req.Destination != "Lisbon, Portugal" {
		t.Errorf("request = %+v", req)
	}

	stored, err := e.svc.Get(ctx, e.userID, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Itinerary == nil || stored.Itinerary.Title != "Lisbon in spring" || stored.Model != "openai/gpt-4o-mini" {
		t.Errorf("stored plan = %+v", stored)
	}

	select {
	case evt := <-events:
		gen, ok := evt.Payload.(GeneratedEvent)
		if !ok || gen.PlanID != p.ID || gen.Usage.TotalTokens != 150 || gen.RequestID != "gen-1" {
			t.Errorf("event payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no plan.generated event")
	}

	audits, err := e.audit.ListByEntity(ctx, domainaudit.EntityPlan, p.ID, 10)
	if err != nil {
		t.Fatalf("ListByEntity: %v", err)
	}
	if len(audits) != 2 || audits[0].Action != domainaudit.ActionPlanGenerate || audits[0].Outcome != domainaudit.OutcomeSuccess {
		t.Errorf("audit trail = %+v", audits)
	}
}

func TestGenerate_WithoutPreferences(t *testing.T) {
	t.Parallel()

	e := newEnv(t, okGenerator())
	ctx := context.Background()
	p, err := e.svc.Create(ctx, e.userID, lisbon())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.svc.Generate(ctx, e.userID, p.ID); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if e.gen.calls[0].Preferences != nil {
		t.Error("expected nil preferences when none are stored")
	}
}

func TestGenerate_FailureIsRecorded(t *testing.T) {
	t.Parallel()

	adapterErr := &llm.Error{Code: llm.CodeRateLimit, Message: "provider rate limit exceeded", StatusCode: 429}
	gen := &fakeGenerator{fn: func(context.Context, Request) (*Generation, error) { return nil, adapterErr }}
	e := newEnv(t, gen)
	ctx := context.Background()

	p, err := e.svc.Create(ctx, e.userID, lisbon())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = e.svc.Generate(ctx, e.userID, p.ID)
	if llm.CodeOf(err) != llm.CodeRateLimit {
		t.Fatalf("Generate error = %v; want the adapter error", err)
	}

	stored, err := e.svc.Get(ctx, e.userID, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != StatusFailed || stored.ErrorCode != string(llm.CodeRateLimit) || stored.Itinerary != nil {
		t.Errorf("stored plan = %+v", stored)
	}

	audits, err := e.audit.ListByEntity(ctx, domainaudit.EntityPlan, p.ID, 1)
	if err != nil {
		t.Fatalf("ListByEntity: %v", err)
	}
	if len(audits) != 1 || audits[0].Outcome != domainaudit.OutcomeError {
		t.Errorf("audit = %+v", audits)
	}
}

func TestGenerate_NonAdapterErrorIsInternal(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{fn: func(context.Context, Request) (*Generation, error) { return nil, errors.New("boom") }}
	e := newEnv(t, gen)
	ctx := context.Background()
	p, _ := e.svc.Create(ctx, e.userID, lisbon())

	if _, err := e.svc.Generate(ctx, e.userID, p.ID); err == nil {
		t.Fatal("expected error")
	}
	stored, _ := e.svc.Get(ctx, e.userID, p.ID)
	if stored.ErrorCode != CodeInternal || stored.ErrorMessage != "boom" {
		t.Errorf("error fields = %q %q", stored.ErrorCode, stored.ErrorMessage)
	}
}

func TestGenerate_RetryAfterFailureClearsError(t *testing.T) {
	t.Parallel()

	var fail = true
	gen := &fakeGenerator{}
	ok := okGenerator()
	gen.fn = func(ctx context.Context, req Request) (*Generation, error) {
		if fail {
			return nil, &llm.Error{Code: llm.CodeTimeout, Message: "timed out"}
		}
		return ok.fn(ctx, req)
	}
	e := newEnv(t, gen)
	ctx := context.Background()
	p, _ := e.svc.Create(ctx, e.userID, lisbon())

	if _, err := e.svc.Generate(ctx, e.userID, p.ID); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	fail = false
	got, err := e.svc.Generate(ctx, e.userID, p.ID)
	if err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if got.Status != StatusGenerated || got.ErrorCode != "" || got.ErrorMessage != "" {
		t.Errorf("plan after retry = %+v", got)
	}
}

func TestGenerate_ConcurrentCallIsRejected(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	ok := okGenerator()
	gen := &fakeGenerator{fn: func(ctx context.Context, req Request) (*Generation, error) {
		close(entered)
		<-release
		return ok.fn(ctx, req)
	}}
	e := newEnv(t, gen)
	ctx := context.Background()
	p, _ := e.svc.Create(ctx, e.userID, lisbon())

	done := make(chan error, 1)
	go func() {
		_, err := e.svc.Generate(ctx, e.userID, p.ID)
		done <- err
	}()
	<-entered

	if _, err := e.svc.Generate(ctx, e.userID, p.ID); !errors.Is(err, ErrGenerationInProgress) {
		t.Errorf("second Generate = %v; want ErrGenerationInProgress", err)
	}
	if err := e.svc.Delete(ctx, e.userID, p.ID); !errors.Is(err, ErrGenerationInProgress) {
		t.Errorf("Delete while generating = %v; want ErrGenerationInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Generate: %v", err)
	}
}

func TestGenerate_CancelledContextLeavesPlanFailed(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{}
	e := newEnv(t, gen)
	p, _ := e.svc.Create(context.Background(), e.userID, lisbon())

	ctx, cancel := context.WithCancel(context.Background())
	gen.fn = func(context.Context, Request) (*Generation, error) {
		cancel()
		return nil, &llm.Error{Code: llm.CodeNetwork, Message: "request cancelled", Err: context.Canceled}
	}
	if _, err := e.svc.Generate(ctx, e.userID, p.ID); err == nil {
		t.Fatal("expected error")
	}
	stored, err := e.svc.Get(context.Background(), e.userID, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != StatusFailed {
		t.Errorf("status = %s; want failed", stored.Status)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	e := newEnv(t, okGenerator())
	ctx := context.Background()
	p, _ := e.svc.Create(ctx, e.userID, lisbon())

	if err := e.svc.Delete(ctx, e.userID, p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := e.svc.Get(ctx, e.userID, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v", err)
	}
	if err := e.svc.Delete(ctx, e.userID, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v; want ErrNotFound", err)
	}
}

func TestGenerate_LongErrorStoredAsValidUTF8(t *testing.T) {
	t.Parallel()

	// "é" is two bytes; with an odd prefix the byte limit lands mid-rune.
	long := "x" + strings.Repeat("é", maxStoredError)
	gen := &fakeGenerator{fn: func(context.Context, Request) (*Generation, error) { return nil, errors.New(long) }}
	e := newEnv(t, gen)
	ctx := context.Background()
	p, _ := e.svc.Create(ctx, e.userID, lisbon())

	if _, err := e.svc.Generate(ctx, e.userID, p.ID); err == nil {
		t.Fatal("expected error")
	}
	stored, _ := e.svc.Get(ctx, e.userID, p.ID)
	if !utf8.ValidString(stored.ErrorMessage) {
		t.Errorf("stored error message is not valid UTF-8")
	}
	if len(stored.ErrorMessage) > maxStoredError || len(stored.ErrorMessage) < maxStoredError-1 {
		t.Errorf("stored error length = %d; want about %d", len(stored.ErrorMessage), maxStoredError)
	}
}

func TestTruncateUTF8(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"日本語", 4, "日"},
		{"日本語", 6, "日本"},
	}
	for _, tc := range cases {
		if got := truncateUTF8(tc.in, tc.n); got != tc.want {
			t.Errorf("truncateUTF8(%q, %d) = %q; want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestRecoverInterrupted(t *testing.T) {
	t.Parallel()

	e := newEnv(t, okGenerator())
	ctx := context.Background()
	p, _ := e.svc.Create(ctx, e.userID, lisbon())
	if _, err := e.db.Exec(`UPDATE plans SET status = 'generating' WHERE id = ?`, p.ID); err != nil {
		t.Fatalf("seed generating: %v", err)
	}

	n, err := e.svc.RecoverInterrupted(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RecoverInterrupted = %d, %v; want 1", n, err)
	}
	stored, _ := e.svc.Get(ctx, e.userID, p.ID)
	if stored.Status != StatusFailed || stored.ErrorCode != CodeInternal {
		t.Errorf("recovered plan = %+v", stored)
	}
}

func TestNewRequest(t *testing.T) {
	t.Parallel()

	req, err := NewRequest(lisbon(), []string{"Food", "food", " tiles "})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if req.Destination != "Lisbon, Portugal" || req.Days() != 3 || len(req.Interests) != 2 {
		t.Errorf("request = %+v", req)
	}

	bad := lisbon()
	bad.Travelers = 0
	if _, err := NewRequest(bad, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("NewRequest(bad) = %v; want ErrInvalidInput", err)
	}
}
