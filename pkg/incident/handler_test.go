package incident

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func TestOpenIncident_Validation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "missing affected services",
			body:       `{"severity":"critical"}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "invalid severity",
			body:       `{"affected_service_ids":["550e8400-e29b-41d4-a716-446655440000"],"severity":"extreme"}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "non-uuid affected service",
			body:       `{"affected_service_ids":["not-a-uuid"],"severity":"major"}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "invalid JSON",
			body:       `{bad}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty body",
			body:       ``,
			wantStatus: http.StatusBadRequest,
		},
	}

	h := NewHandler(nil, nil)
	router := chi.NewRouter()
	router.Mount("/incidents", h.Routes())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/incidents", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestGetIncident_InvalidID(t *testing.T) {
	h := NewHandler(nil, nil)
	router := chi.NewRouter()
	router.Mount("/incidents", h.Routes())

	r := httptest.NewRequest(http.MethodGet, "/incidents/not-a-uuid", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAddUpdate_InvalidID(t *testing.T) {
	h := NewHandler(nil, nil)
	router := chi.NewRouter()
	router.Mount("/incidents", h.Routes())

	body := `{"state":"identified","message":"narrowed down the cause"}`
	r := httptest.NewRequest(http.MethodPost, "/incidents/not-a-uuid/updates", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAddUpdate_Validation(t *testing.T) {
	h := NewHandler(nil, nil)
	router := chi.NewRouter()
	router.Mount("/incidents", h.Routes())

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "missing required fields",
			body:       `{}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "invalid state",
			body:       `{"state":"wrong","message":"note"}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "empty message",
			body:       `{"state":"identified","message":""}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := uuid.New()
			r := httptest.NewRequest(http.MethodPost, "/incidents/"+id.String()+"/updates", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestCanAdvance(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateInvestigating, StateIdentified, true},
		{StateInvestigating, StateInvestigating, true},
		{StateIdentified, StateInvestigating, false},
		{StateMonitoring, StateResolved, true},
		{StateResolved, StateInvestigating, false},
		{StateResolved, StateResolved, false},
		{StateInvestigating, State("bogus"), false},
		{State("bogus"), StateIdentified, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			if got := CanAdvance(tt.from, tt.to); got != tt.want {
				t.Errorf("CanAdvance(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestIsValidSeverity(t *testing.T) {
	for _, s := range []string{"minor", "major", "critical"} {
		if !IsValidSeverity(s) {
			t.Errorf("IsValidSeverity(%q) = false, want true", s)
		}
	}
	if IsValidSeverity("extreme") {
		t.Error("IsValidSeverity(\"extreme\") = true, want false")
	}
}

func TestIsValidState(t *testing.T) {
	for _, s := range []string{"investigating", "identified", "monitoring", "resolved"} {
		if !IsValidState(s) {
			t.Errorf("IsValidState(%q) = false, want true", s)
		}
	}
	if IsValidState("bogus") {
		t.Error("IsValidState(\"bogus\") = true, want false")
	}
}

func TestIncidentToResponse(t *testing.T) {
	svcID := uuid.New()
	inc := Incident{
		ID:                 uuid.New(),
		NestID:             uuid.New(),
		AffectedServiceIDs: []uuid.UUID{svcID},
		Severity:           SeverityCritical,
		State:              StateInvestigating,
	}

	resp := inc.ToResponse()

	if resp.ID != inc.ID {
		t.Errorf("ID = %v, want %v", resp.ID, inc.ID)
	}
	if resp.Severity != string(inc.Severity) {
		t.Errorf("Severity = %q, want %q", resp.Severity, inc.Severity)
	}
	if len(resp.AffectedServiceIDs) != 1 || resp.AffectedServiceIDs[0] != svcID.String() {
		t.Errorf("AffectedServiceIDs = %v, want [%v]", resp.AffectedServiceIDs, svcID)
	}
	if resp.ResolvedAt != nil {
		t.Error("ResolvedAt should be nil for an open incident")
	}
}

func TestUpdateToUpdateResponse(t *testing.T) {
	authorID := uuid.New()
	u := Update{
		ID:         uuid.New(),
		IncidentID: uuid.New(),
		State:      StateIdentified,
		Message:    "root cause found",
		AuthorID:   &authorID,
	}

	resp := u.ToUpdateResponse()

	if resp.State != string(u.State) {
		t.Errorf("State = %q, want %q", resp.State, u.State)
	}
	if resp.AuthorID == nil || *resp.AuthorID != authorID.String() {
		t.Errorf("AuthorID = %v, want %v", resp.AuthorID, authorID)
	}
}
