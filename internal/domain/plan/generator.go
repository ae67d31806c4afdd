package plan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matiasleandrokruk/wanderplan/internal/domain/preferences"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/llm"
)

// DateLayout is the wire and storage format of trip dates.
const DateLayout = "2006-01-02"

// Request describes the trip to draft.
type Request struct {
	Destination string
	StartDate   time.Time
	EndDate     time.Time
	Travelers   int
	Budget      string
	Notes       string
	Interests   []string
	Preferences *preferences.Preferences
}

// Days is the inclusive trip length.
func (r Request) Days() int {
	return tripDays(r.StartDate, r.EndDate)
}

// Generation is a validated itinerary with its provenance.
type Generation struct {
	Itinerary Itinerary
	Model     string
	RequestID string
	Usage     llm.Usage
}

// Generator drafts itineraries.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Generation, error)
}

// LLMGenerator drafts itineraries through the structured chat adapter.
type LLMGenerator struct {
	svc    *llm.Service
	params *llm.Params
}

// NewLLMGenerator uses svc. params may be nil for service defaults.
func NewLLMGenerator(svc *llm.Service, params *llm.Params) *LLMGenerator {
	return &LLMGenerator{svc: svc, params: params}
}

func (g *LLMGenerator) Generate(ctx context.Context, req Request) (*Generation, error) {
	schema, err := itinerarySchema(req.Days())
	if err != nil {
		return nil, err
	}
	res, err := llm.Chat(ctx, g.svc, BuildMessages(req), schema, g.params)
	if err != nil {
		return nil, err
	}

	it := res.Data
	// dates are derived from the plan, not trusted from the model
	for i := range it.Days {
		it.Days[i].Date = req.StartDate.AddDate(0, 0, i).Format(DateLayout)
	}
	return &Generation{
		Itinerary: it,
		Model:     res.Model,
		RequestID: res.RequestID,
		Usage:     res.Usage,
	}, nil
}

const systemPrompt = `You are an experienced travel planner.
Write a realistic day-by-day itinerary for the trip described by the user.
Rules:
- Return one entry in "days" for every calendar day of the trip, numbered from 1.
- Give every day at least one activity, ordered by time.
- Prefer places that exist and are open on the given dates; group nearby sights together.
- Estimate costs for the whole group in the local currency and state that currency as an ISO 4217 code.
- Respect the traveler profile and notes. Do not invent bookings or prices you cannot estimate.`

// BuildMessages renders the chat prompt for req.
func BuildMessages(req Request) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Destination: %s\n", req.Destination)
	fmt.Fprintf(&b, "Dates: %s to %s (%d days)\n",
		req.StartDate.Format(DateLayout), req.EndDate.Format(DateLayout), req.Days())
	fmt.Fprintf(&b, "Travelers: %d\n", req.Travelers)
	if req.Budget != "" {
		fmt.Fprintf(&b, "Budget: %s\n", req.Budget)
	}

	interests := req.Interests
	if p := req.Preferences; p != nil {
		fmt.Fprintf(&b, "Travel style: %s\n", p.TravelStyle)
		fmt.Fprintf(&b, "Pace: %s\n", p.Pace)
		fmt.Fprintf(&b, "Budget level: %s\n", p.BudgetLevel)
		interests = mergeInterests(p.Interests, interests)
		if p.Notes != "" {
			fmt.Fprintf(&b, "Traveler profile notes: %s\n", p.Notes)
		}
	}
	if len(interests) > 0 {
		fmt.Fprintf(&b, "Interests: %s\n", strings.Join(interests, ", "))
	}
	if req.Notes != "" {
		fmt.Fprintf(&b, "Trip notes: %s\n", req.Notes)
	}

	return []llm.Message{
		llm.System(systemPrompt),
		llm.User(strings.TrimRight(b.String(), "\n")),
	}
}

func mergeInterests(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]bool, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, v := range list {
			key := strings.ToLower(strings.TrimSpace(v))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}

func tripDays(start, end time.Time) int {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(s).Hours()/24) + 1
}
