package plan

import (
	"fmt"
	"sync"

	"github.com/matiasleandrokruk/wanderplan/internal/infra/llm"
)

// Itinerary is the document the model produces for a plan.
type Itinerary struct {
	Title              string   `json:"title" jsonschema:"short title for the trip"`
	Summary            string   `json:"summary" jsonschema:"two or three sentence overview"`
	Days               []Day    `json:"days" jsonschema:"one entry per calendar day of the trip in order"`
	Tips               []string `json:"tips" jsonschema:"practical advice for the destination"`
	EstimatedTotalCost float64  `json:"estimatedTotalCost" jsonschema:"estimated cost for the whole group"`
	Currency           string   `json:"currency" jsonschema:"ISO 4217 currency code of all costs"`
}

type Day struct {
	Day        int        `json:"day" jsonschema:"1-based day number"`
	Date       string     `json:"date" jsonschema:"calendar date as YYYY-MM-DD"`
	Theme      string     `json:"theme"`
	Activities []Activity `json:"activities"`
}

type Activity struct {
	Time          string  `json:"time" jsonschema:"local start time as HH:MM"`
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	Location      string  `json:"location"`
	EstimatedCost float64 `json:"estimatedCost" jsonschema:"cost for the whole group in the itinerary currency"`
	Category      string  `json:"category" jsonschema:"one of sightseeing food culture nature nightlife shopping transport rest"`
}

const itinerarySchemaName = "travel_itinerary"

var (
	baseSchemaOnce sync.Once
	baseSchema     *llm.ResponseSchema[Itinerary]
	baseSchemaErr  error
)

// itinerarySchema returns the strict schema plus a check bound to the trip length.
func itinerarySchema(days int) (*llm.ResponseSchema[Itinerary], error) {
	baseSchemaOnce.Do(func() {
		baseSchema, baseSchemaErr = llm.NewResponseSchema[Itinerary](itinerarySchemaName, "Day-by-day travel itinerary")
	})
	if baseSchemaErr != nil {
		return nil, baseSchemaErr
	}
	return llm.NewResponseSchemaFromJSON[Itinerary](
		baseSchema.Name(),
		baseSchema.Description(),
		baseSchema.JSON(),
		llm.WithCheck(CheckDays(days)),
	)
}

// CheckDays returns a check that the itinerary has exactly n days numbered 1..n,
// each with at least one activity.
func CheckDays(n int) func(Itinerary) error {
	return func(it Itinerary) error {
		if len(it.Days) != n {
			return fmt.Errorf("itinerary has %d days; trip has %d", len(it.Days), n)
		}
		for i, d := range it.Days {
			if d.Day != i+1 {
				return fmt.Errorf("day at position %d is numbered %d; want %d", i, d.Day, i+1)
			}
			if len(d.Activities) == 0 {
				return fmt.Errorf("day %d has no activities", d.Day)
			}
		}
		return nil
	}
}
