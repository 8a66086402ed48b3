package service

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestCreateService_Validation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "missing name",
			body:       `{"type":"web","target":"https://example.com","interval_seconds":60,"timeout_ms":5000,"regions":["eu-central-1"]}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "invalid type",
			body:       `{"name":"example","type":"carrier-pigeon","target":"https://example.com","interval_seconds":60,"timeout_ms":5000,"regions":["eu-central-1"]}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "interval too low",
			body:       `{"name":"example","type":"web","target":"https://example.com","interval_seconds":5,"timeout_ms":1000,"regions":["eu-central-1"]}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "timeout too high",
			body:       `{"name":"example","type":"web","target":"https://example.com","interval_seconds":60,"timeout_ms":60000,"regions":["eu-central-1"]}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "no regions",
			body:       `{"name":"example","type":"web","target":"https://example.com","interval_seconds":60,"timeout_ms":5000,"regions":[]}`,
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
	router.Mount("/services", h.Routes())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/services", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestGetService_InvalidID(t *testing.T) {
	h := NewHandler(nil, nil)
	router := chi.NewRouter()
	router.Mount("/services", h.Routes())

	r := httptest.NewRequest(http.MethodGet, "/services/not-a-uuid", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestUpdateService_InvalidID(t *testing.T) {
	h := NewHandler(nil, nil)
	router := chi.NewRouter()
	router.Mount("/services", h.Routes())

	r := httptest.NewRequest(http.MethodPut, "/services/not-a-uuid",
		strings.NewReader(`{"name":"x","target":"y","interval_seconds":60,"timeout_ms":1000,"regions":["eu-central-1"]}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestDeleteService_InvalidID(t *testing.T) {
	h := NewHandler(nil, nil)
	router := chi.NewRouter()
	router.Mount("/services", h.Routes())

	r := httptest.NewRequest(http.MethodDelete, "/services/not-a-uuid", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
