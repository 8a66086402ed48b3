package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRabbitMQProvisionerCreatesUserAndPermissions(t *testing.T) {
	var calls []string
	var userBody, permBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.RequestURI())
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "adminpass" {
			t.Errorf("missing/incorrect basic auth: user=%q pass=%q ok=%v", user, pass, ok)
		}
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/users/"):
			_ = json.NewDecoder(r.Body).Decode(&userBody)
		case strings.HasPrefix(r.URL.Path, "/api/permissions/"):
			_ = json.NewDecoder(r.Body).Decode(&permBody)
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := NewRabbitMQProvisioner(srv.Client(), srv.URL, "/", "admin", "adminpass")
	if err := p.Provision(context.Background(), "worker-w1", "s3cret"); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	if len(calls) != 2 {
		t.Fatalf("expected 2 management API calls, got %v", calls)
	}
	if !strings.Contains(calls[1], "worker-w1") {
		t.Errorf("permissions call should be scoped to the worker's vhost entry, got %q", calls[1])
	}
	if userBody["password"] != "s3cret" {
		t.Errorf("user body password = %q, want s3cret", userBody["password"])
	}
	if permBody["write"] == "" || permBody["read"] == "" {
		t.Errorf("permission body missing read/write scopes: %+v", permBody)
	}
}

func TestRabbitMQProvisionerFailsWithoutEndpoint(t *testing.T) {
	p := NewRabbitMQProvisioner(http.DefaultClient, "", "/", "admin", "adminpass")
	if err := p.Provision(context.Background(), "worker-w1", "s3cret"); err == nil {
		t.Fatal("expected error with no configured management endpoint")
	}
}

func TestRabbitMQProvisionerPropagatesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewRabbitMQProvisioner(srv.Client(), srv.URL, "/", "admin", "wrong")
	if err := p.Provision(context.Background(), "worker-w1", "s3cret"); err == nil {
		t.Fatal("expected error on non-2xx response")
	}
}
