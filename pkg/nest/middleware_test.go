package nest

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHeaderResolver_Resolve(t *testing.T) {
	resolver := HeaderResolver{}

	t.Run("returns subdomain from header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Nest-Subdomain", "acme")

		sub, err := resolver.Resolve(r)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sub != "acme" {
			t.Errorf("subdomain = %q, want %q", sub, "acme")
		}
	})

	t.Run("returns error when header missing", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)

		_, err := resolver.Resolve(r)
		if err == nil {
			t.Fatal("expected error for missing header")
		}
	})
}
