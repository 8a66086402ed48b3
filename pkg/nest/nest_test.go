package nest

import (
	"context"
	"testing"
)

func TestSchemaName(t *testing.T) {
	tests := []struct {
		subdomain string
		want      string
	}{
		{"acme", "nest_acme"},
		{"test-org", "nest_test-org"},
		{"a1", "nest_a1"},
	}
	for _, tt := range tests {
		t.Run(tt.subdomain, func(t *testing.T) {
			got := SchemaName(tt.subdomain)
			if got != tt.want {
				t.Errorf("SchemaName(%q) = %q, want %q", tt.subdomain, got, tt.want)
			}
		})
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	if got := FromContext(ctx); got != nil {
		t.Fatalf("expected nil nest, got %+v", got)
	}

	info := &Info{Slug: "acme", Schema: "nest_acme"}
	ctx = NewContext(ctx, info)

	got := FromContext(ctx)
	if got == nil {
		t.Fatal("expected nest info, got nil")
	}
	if got.Slug != "acme" {
		t.Errorf("slug = %q, want %q", got.Slug, "acme")
	}
}

func TestConnContextNilWithout(t *testing.T) {
	ctx := context.Background()
	if got := ConnFromContext(ctx); got != nil {
		t.Fatalf("expected nil conn, got %v", got)
	}
}

func TestTierDispatchPriority(t *testing.T) {
	tests := []struct {
		tier Tier
		want int
	}{
		{TierFree, 10},
		{TierPro, 5},
		{TierUnlimited, 1},
		{Tier("unknown"), 10},
	}
	for _, tt := range tests {
		if got := tt.tier.DispatchPriority(); got != tt.want {
			t.Errorf("%s.DispatchPriority() = %d, want %d", tt.tier, got, tt.want)
		}
	}
}
