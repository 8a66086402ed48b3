package service

import "testing"

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		svc     Service
		wantErr bool
	}{
		{
			name:    "valid web service",
			svc:     Service{Type: TypeWeb, IntervalSeconds: 60, TimeoutMs: 5000},
			wantErr: false,
		},
		{
			name:    "invalid type",
			svc:     Service{Type: "carrier-pigeon", IntervalSeconds: 60, TimeoutMs: 5000},
			wantErr: true,
		},
		{
			name:    "interval below minimum",
			svc:     Service{Type: TypePing, IntervalSeconds: 10, TimeoutMs: 1000},
			wantErr: true,
		},
		{
			name:    "interval above maximum",
			svc:     Service{Type: TypePing, IntervalSeconds: 4000, TimeoutMs: 1000},
			wantErr: true,
		},
		{
			name:    "timeout above maximum",
			svc:     Service{Type: TypePing, IntervalSeconds: 60, TimeoutMs: 31000},
			wantErr: true,
		},
		{
			name:    "timeout exceeds interval",
			svc:     Service{Type: TypePing, IntervalSeconds: 30, TimeoutMs: 29000 + 2000},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.svc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_DefaultsStrategyAndMinRegions(t *testing.T) {
	svc := Service{Type: TypeWeb, IntervalSeconds: 60, TimeoutMs: 5000}
	if err := svc.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if svc.Strategy != StrategyFailover {
		t.Errorf("Strategy = %q, want %q", svc.Strategy, StrategyFailover)
	}
	if svc.MinRegions != 1 {
		t.Errorf("MinRegions = %d, want 1", svc.MinRegions)
	}
}

func TestIsValidType(t *testing.T) {
	if !IsValidType("web") {
		t.Error("web should be valid")
	}
	if IsValidType("smoke-signal") {
		t.Error("smoke-signal should be invalid")
	}
}

func TestTLSVerifyEnabled(t *testing.T) {
	var cfg TypeConfig
	if !cfg.TLSVerifyEnabled() {
		t.Error("TLSVerifyEnabled() should default to true")
	}

	off := false
	cfg.TLSVerify = &off
	if cfg.TLSVerifyEnabled() {
		t.Error("TLSVerifyEnabled() should be false when explicitly disabled")
	}
}
