// Package profile defines the user profile that drives every Tastemate
// conversation, together with the [Store] interface that persists it.
//
// The JSON field names are part of the contract with the language model: the
// serialised profile is embedded verbatim into chat prompts and into the
// system instruction of a voice session.
//
// Backends live in sub-packages (profile/filestore, profile/postgres,
// profile/s3store). Every implementation must be safe for concurrent use.
package profile

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by [Store.Load] when no profile has been saved yet.
var ErrNotFound = errors.New("profile: not found")

// Activity levels for [Physical.ActivityLevel].
const (
	ActivitySedentary = "sedentary"
	ActivityModerate  = "moderate"
	ActivityActive    = "active"
)

// UserProfile is the personal profile collected by the onboarding wizard.
type UserProfile struct {
	Name     string   `json:"name"`
	Physical Physical `json:"physical"`
	Mental   Mental   `json:"mental"`
	Academic Academic `json:"academic"`
	Hobbies  []string `json:"hobbies"`
}

// Physical holds health and fitness attributes.
type Physical struct {
	// ActivityLevel is one of sedentary, moderate or active.
	ActivityLevel string  `json:"activityLevel"`
	SleepAverage  float64 `json:"sleepAverage"`
	DietaryNotes  string  `json:"dietaryNotes"`
	StepGoal      int     `json:"stepGoal"`
}

// Mental holds wellbeing attributes.
type Mental struct {
	// StressLevel is a self-assessment from 1 to 10.
	StressLevel    int    `json:"stressLevel"`
	CurrentMood    string `json:"currentMood"`
	WellbeingGoals string `json:"wellbeingGoals"`
}

// Academic holds study-related attributes.
type Academic struct {
	Major          string `json:"major"`
	Challenges     string `json:"challenges"`
	ShortTermGoals string `json:"shortTermGoals"`
}

// Message roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Message is one turn of a text conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
}

// NewMessage returns a Message stamped with t.
func NewMessage(role, content string, t time.Time) Message {
	return Message{Role: role, Content: content, Timestamp: t.UnixMilli()}
}

// Insight categories.
const (
	CategoryPhysical = "physical"
	CategoryMental   = "mental"
	CategoryAcademic = "academic"
	CategoryGeneral  = "general"
)

// Insight priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Insight is one actionable recommendation derived from a profile.
type Insight struct {
	Category    string `json:"category"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

// Valid reports whether the insight uses only the allowed category and
// priority values and carries a title.
func (i Insight) Valid() bool {
	switch i.Category {
	case CategoryPhysical, CategoryMental, CategoryAcademic, CategoryGeneral:
	default:
		return false
	}
	switch i.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh:
	default:
		return false
	}
	return i.Title != ""
}

// Store persists a single user's profile.
type Store interface {
	// Load returns the saved profile or an error wrapping [ErrNotFound].
	Load(ctx context.Context) (*UserProfile, error)

	// Save replaces the stored profile.
	Save(ctx context.Context, p *UserProfile) error

	// Delete removes the stored profile. Deleting a missing profile is not
	// an error.
	Delete(ctx context.Context) error
}
