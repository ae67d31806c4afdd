// Package plan manages trip plans and their generated itineraries.
package plan

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/matiasleandrokruk/wanderplan/internal/infra/llm"
)

const (
	MaxTripDays       = 30
	MaxTravelers      = 20
	MaxDestination    = 120
	MaxBudgetChars    = 100
	MaxPlanNotesChars = 1000
)

var (
	ErrNotFound             = errors.New("plan not found")
	ErrInvalidInput         = errors.New("invalid plan")
	ErrGenerationInProgress = errors.New("plan generation already in progress")
	ErrNotGenerated         = errors.New("plan has no itinerary yet")
)

// Status is the lifecycle state of a plan.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusGenerating Status = "generating"
	StatusGenerated  Status = "generated"
	StatusFailed     Status = "failed"
)

// Plan is a trip owned by one user.
type Plan struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Destination  string     `json:"destination"`
	StartDate    string     `json:"startDate"`
	EndDate      string     `json:"endDate"`
	Travelers    int        `json:"travelers"`
	Budget       string     `json:"budget,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	Status       Status     `json:"status"`
	Itinerary    *Itinerary `json:"itinerary,omitempty"`
	Model        string     `json:"model,omitempty"`
	Usage        llm.Usage  `json:"usage"`
	ErrorCode    string     `json:"errorCode,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	GeneratedAt  *time.Time `json:"generatedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Days is the inclusive trip length.
func (p *Plan) Days() int {
	start, _ := time.Parse(DateLayout, p.StartDate)
	end, _ := time.Parse(DateLayout, p.EndDate)
	return tripDays(start, end)
}

// CreateInput is the user-supplied part of a plan.
type CreateInput struct {
	Destination string
	StartDate   string
	EndDate     string
	Travelers   int
	Budget      string
	Notes       string
}

type validInput struct {
	CreateInput
	start, end time.Time
}

func (in CreateInput) validate() (validInput, error) {
	in.Destination = strings.TrimSpace(in.Destination)
	in.Budget = strings.TrimSpace(in.Budget)
	in.Notes = strings.TrimSpace(in.Notes)

	if in.Destination == "" {
		return validInput{}, fmt.Errorf("%w: destination is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(in.Destination) > MaxDestination {
		return validInput{}, fmt.Errorf("%w: destination exceeds %d characters", ErrInvalidInput, MaxDestination)
	}
	start, err := time.Parse(DateLayout, strings.TrimSpace(in.StartDate))
	if err != nil {
		return validInput{}, fmt.Errorf("%w: startDate must be YYYY-MM-DD", ErrInvalidInput)
	}
	end, err := time.Parse(DateLayout, strings.TrimSpace(in.EndDate))
	if err != nil {
		return validInput{}, fmt.Errorf("%w: endDate must be YYYY-MM-DD", ErrInvalidInput)
	}
	if end.Before(start) {
		return validInput{}, fmt.Errorf("%w: endDate is before startDate", ErrInvalidInput)
	}
	if days := tripDays(start, end); days > MaxTripDays {
		return validInput{}, fmt.Errorf("%w: trip is %d days; maximum is %d", ErrInvalidInput, days, MaxTripDays)
	}
	if in.Travelers < 1 || in.Travelers > MaxTravelers {
		return validInput{}, fmt.Errorf("%w: travelers must be between 1 and %d", ErrInvalidInput, MaxTravelers)
	}
	if utf8.RuneCountInString(in.Budget) > MaxBudgetChars {
		return validInput{}, fmt.Errorf("%w: budget exceeds %d characters", ErrInvalidInput, MaxBudgetChars)
	}
	if utf8.RuneCountInString(in.Notes) > MaxPlanNotesChars {
		return validInput{}, fmt.Errorf("%w: notes exceed %d characters", ErrInvalidInput, MaxPlanNotesChars)
	}

	in.StartDate = start.Format(DateLayout)
	in.EndDate = end.Format(DateLayout)
	return validInput{CreateInput: in, start: start, end: end}, nil
}

// ListOptions pages through a user's plans, newest first.
type ListOptions struct {
	Limit  int
	Offset int
	Status Status
}

// GeneratedEvent is published on eventbus.TopicPlanGenerated.
type GeneratedEvent struct {
	PlanID    string
	UserID    string
	Model     string
	RequestID string
	Usage     llm.Usage
	At        time.Time
}

// NewRequest validates in the same way Create does and builds a generation
// request without storing anything.
func NewRequest(in CreateInput, interests []string) (Request, error) {
	v, err := in.validate()
	if err != nil {
		return Request{}, err
	}
	return Request{
		Destination: v.Destination,
		StartDate:   v.start,
		EndDate:     v.end,
		Travelers:   v.Travelers,
		Budget:      v.Budget,
		Notes:       v.Notes,
		Interests:   mergeInterests(nil, interests),
	}, nil
}
