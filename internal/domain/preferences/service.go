// Package preferences stores the travel profile used to personalise itineraries.
package preferences

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	domainaudit "github.com/matiasleandrokruk/wanderplan/internal/domain/audit"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/sqlite"
)

const (
	MaxInterests     = 10
	MaxInterestChars = 40
	MaxNotesChars    = 500
)

var (
	ErrNotFound     = errors.New("preferences not found")
	ErrInvalidInput = errors.New("invalid preferences")
)

type TravelStyle string

const (
	StyleRelaxed     TravelStyle = "relaxed"
	StyleBalanced    TravelStyle = "balanced"
	StyleAdventurous TravelStyle = "adventurous"
	StyleCultural    TravelStyle = "cultural"
	StyleLuxury      TravelStyle = "luxury"
	StyleBudget      TravelStyle = "budget"
)

type Pace string

const (
	PaceSlow     Pace = "slow"
	PaceModerate Pace = "moderate"
	PaceFast     Pace = "fast"
)

type BudgetLevel string

const (
	BudgetLow    BudgetLevel = "low"
	BudgetMedium BudgetLevel = "medium"
	BudgetHigh   BudgetLevel = "high"
)

var (
	travelStyles = []TravelStyle{StyleRelaxed, StyleBalanced, StyleAdventurous, StyleCultural, StyleLuxury, StyleBudget}
	paces        = []Pace{PaceSlow, PaceModerate, PaceFast}
	budgetLevels = []BudgetLevel{BudgetLow, BudgetMedium, BudgetHigh}
)

// Preferences is a traveler's stored profile.
type Preferences struct {
	UserID              string      `json:"userId"`
	TravelStyle         TravelStyle `json:"travelStyle"`
	Pace                Pace        `json:"pace"`
	BudgetLevel         BudgetLevel `json:"budgetLevel"`
	Interests           []string    `json:"interests"`
	Notes               string      `json:"notes"`
	OnboardingCompleted bool        `json:"onboardingCompleted"`
	CreatedAt           time.Time   `json:"createdAt"`
	UpdatedAt           time.Time   `json:"updatedAt"`
}

// Input replaces the whole profile.
type Input struct {
	TravelStyle TravelStyle
	Pace        Pace
	BudgetLevel BudgetLevel
	Interests   []string
	Notes       string
}

// normalize lowercases enums, trims and dedupes interests, then validates.
func (in Input) normalize() (Input, error) {
	in.TravelStyle = TravelStyle(strings.ToLower(strings.TrimSpace(string(in.TravelStyle))))
	in.Pace = Pace(strings.ToLower(strings.TrimSpace(string(in.Pace))))
	in.BudgetLevel = BudgetLevel(strings.ToLower(strings.TrimSpace(string(in.BudgetLevel))))
	in.Notes = strings.TrimSpace(in.Notes)

	if !slices.Contains(travelStyles, in.TravelStyle) {
		return in, fmt.Errorf("%w: travelStyle must be one of %v", ErrInvalidInput, travelStyles)
	}
	if !slices.Contains(paces, in.Pace) {
		return in, fmt.Errorf("%w: pace must be one of %v", ErrInvalidInput, paces)
	}
	if !slices.Contains(budgetLevels, in.BudgetLevel) {
		return in, fmt.Errorf("%w: budgetLevel must be one of %v", ErrInvalidInput, budgetLevels)
	}

	interests := make([]string, 0, len(in.Interests))
	for _, raw := range in.Interests {
		v := strings.ToLower(strings.TrimSpace(raw))
		if v == "" || slices.Contains(interests, v) {
			continue
		}
		if utf8.RuneCountInString(v) > MaxInterestChars {
			return in, fmt.Errorf("%w: interest %q exceeds %d characters", ErrInvalidInput, v, MaxInterestChars)
		}
		interests = append(interests, v)
	}
	if len(interests) > MaxInterests {
		return in, fmt.Errorf("%w: at most %d interests", ErrInvalidInput, MaxInterests)
	}
	in.Interests = interests

	if utf8.RuneCountInString(in.Notes) > MaxNotesChars {
		return in, fmt.Errorf("%w: notes exceed %d characters", ErrInvalidInput, MaxNotesChars)
	}
	return in, nil
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

// Service reads and writes the travel_preferences table.
type Service struct {
	db    *sql.DB
	audit auditLogger
	now   func() time.Time
}

// NewService creates a preferences service. audit may be nil.
func NewService(db *sql.DB, audit auditLogger) *Service {
	return &Service{db: db, audit: audit, now: time.Now}
}

// Get returns the profile of userID or ErrNotFound.
func (s *Service) Get(ctx context.Context, userID string) (*Preferences, error) {
	var (
		p                    Preferences
		interests            string
		onboarded            int
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, travel_style, pace, budget_level, interests, notes, onboarding_completed, created_at, updated_at
		FROM travel_preferences
		WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.TravelStyle, &p.Pace, &p.BudgetLevel, &interests, &p.Notes, &onboarded, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("preferences: get: %w", err)
	}
	if err := json.Unmarshal([]byte(interests), &p.Interests); err != nil {
		return nil, fmt.Errorf("preferences: decode interests: %w", err)
	}
	p.OnboardingCompleted = onboarded == 1
	p.CreatedAt, _ = sqlite.ParseTime(createdAt)
	p.UpdatedAt, _ = sqlite.ParseTime(updatedAt)
	return &p, nil
}

// Upsert validates in and replaces the profile, marking onboarding complete.
func (s *Service) Upsert(ctx context.Context, userID string, in Input) (*Preferences, error) {
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}
	interests, err := json.Marshal(in.Interests)
	if err != nil {
		return nil, fmt.Errorf("preferences: encode interests: %w", err)
	}

	ts := sqlite.FormatTime(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO travel_preferences (user_id, travel_style, pace, budget_level, interests, notes, onboarding_completed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			travel_style = excluded.travel_style,
			pace = excluded.pace,
			budget_level = excluded.budget_level,
			interests = excluded.interests,
			notes = excluded.notes,
			onboarding_completed = 1,
			updated_at = excluded.updated_at
	`, userID, in.TravelStyle, in.Pace, in.BudgetLevel, string(interests), in.Notes, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("preferences: upsert: %w", err)
	}

	if s.audit != nil {
		_ = s.audit.LogWithDetails(ctx, userID, domainaudit.ActionPreferenceSet, nil, nil, nil, domainaudit.OutcomeSuccess)
	}
	return s.Get(ctx, userID)
}
