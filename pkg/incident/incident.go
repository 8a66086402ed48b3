// Package incident implements the Incident entity and its small state
// machine: an operator-visible record of sustained
// service degradation, opened automatically by the aggregator and advanced
// either automatically (recovery) or by an operator action.
package incident

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Severity classifies incident impact.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// State is a step in the incident lifecycle. Transitions are monotonic
// apart from the terminal Resolved state; reopening a resolved incident
// always creates a new incident rather than un-resolving the old one.
type State string

const (
	StateInvestigating State = "investigating"
	StateIdentified     State = "identified"
	StateMonitoring     State = "monitoring"
	StateResolved       State = "resolved"
)

// stateOrder gives each state's position in the monotonic progression.
var stateOrder = map[State]int{
	StateInvestigating: 0,
	StateIdentified:     1,
	StateMonitoring:     2,
	StateResolved:       3,
}

// ErrNotFound is returned when an incident (or update) lookup finds no row.
var ErrNotFound = errors.New("incident not found")

// ErrInvalidTransition is returned when a requested state transition would
// move an incident backwards, or would mutate an already-resolved incident.
var ErrInvalidTransition = errors.New("invalid incident state transition")

// ErrInvalidSeverity is returned for a severity value outside Severity's enum.
var ErrInvalidSeverity = errors.New("invalid incident severity")

// ErrInvalidState is returned for a state value outside State's enum.
var ErrInvalidState = errors.New("invalid incident state")

// IsValidSeverity reports whether sev is a recognised Severity value.
func IsValidSeverity(sev string) bool {
	switch Severity(sev) {
	case SeverityMinor, SeverityMajor, SeverityCritical:
		return true
	}
	return false
}

// IsValidState reports whether s is a recognised State value.
func IsValidState(s string) bool {
	_, ok := stateOrder[State(s)]
	return ok
}

// CanAdvance reports whether the transition from `from` to `to` is allowed:
// strictly forward in stateOrder, or identical (re-asserting the current
// state, e.g. to add an update without changing it). Resolved is terminal:
// no transition out of it is permitted.
func CanAdvance(from, to State) bool {
	if from == StateResolved {
		return false
	}
	fromN, ok := stateOrder[from]
	if !ok {
		return false
	}
	toN, ok := stateOrder[to]
	if !ok {
		return false
	}
	return toN >= fromN
}

// Incident is an operator-visible record of sustained service degradation.
type Incident struct {
	ID                 uuid.UUID
	NestID             uuid.UUID
	AffectedServiceIDs []uuid.UUID
	Severity           Severity
	State              State
	StartedAt          time.Time
	ResolvedAt         *time.Time
	ConsecutiveNonUp   int // auto-state-machine counter, not exposed to API
	ConsecutiveUp      int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Update is one entry in an incident's timeline: either a state transition
// recorded by the aggregator's auto-advance, or an operator note.
type Update struct {
	ID         uuid.UUID
	IncidentID uuid.UUID
	State      State
	Message    string
	AuthorID   *uuid.UUID // nil for system-generated updates
	CreatedAt  time.Time
}

// OpenRequest describes a new incident to create.
type OpenRequest struct {
	NestID             uuid.UUID
	AffectedServiceIDs []uuid.UUID
	Severity           Severity
	StartedAt          time.Time
}

// CreateRequest is the JSON body for POST /api/v1/incidents (manual open).
type CreateRequest struct {
	AffectedServiceIDs []string `json:"affected_service_ids" validate:"required,min=1,dive,uuid"`
	Severity           string   `json:"severity" validate:"required,oneof=minor major critical"`
}

// UpdateRequest is the JSON body for POST /api/v1/incidents/:id/updates.
type UpdateRequest struct {
	State   string `json:"state" validate:"required,oneof=investigating identified monitoring resolved"`
	Message string `json:"message" validate:"required,min=1"`
}

// Response is the JSON response for a single incident, including its timeline.
type Response struct {
	ID                 uuid.UUID  `json:"id"`
	NestID             uuid.UUID  `json:"nest_id"`
	AffectedServiceIDs []string   `json:"affected_service_ids"`
	Severity           string     `json:"severity"`
	State              string     `json:"state"`
	StartedAt          time.Time  `json:"started_at"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
	Updates            []Response `json:"updates,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// UpdateResponse is the JSON shape of a single timeline entry.
type UpdateResponse struct {
	ID        uuid.UUID `json:"id"`
	State     string    `json:"state"`
	Message   string    `json:"message"`
	AuthorID  *string   `json:"author_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ToResponse converts an Incident to its JSON DTO.
func (inc *Incident) ToResponse() Response {
	ids := make([]string, len(inc.AffectedServiceIDs))
	for i, id := range inc.AffectedServiceIDs {
		ids[i] = id.String()
	}
	return Response{
		ID:                 inc.ID,
		NestID:             inc.NestID,
		AffectedServiceIDs: ids,
		Severity:           string(inc.Severity),
		State:              string(inc.State),
		StartedAt:          inc.StartedAt,
		ResolvedAt:         inc.ResolvedAt,
		CreatedAt:          inc.CreatedAt,
		UpdatedAt:          inc.UpdatedAt,
	}
}

// ToUpdateResponse converts an Update to its JSON DTO.
func (u *Update) ToUpdateResponse() UpdateResponse {
	resp := UpdateResponse{
		ID:        u.ID,
		State:     string(u.State),
		Message:   u.Message,
		CreatedAt: u.CreatedAt,
	}
	if u.AuthorID != nil {
		s := u.AuthorID.String()
		resp.AuthorID = &s
	}
	return resp
}
