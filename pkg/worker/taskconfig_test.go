package worker

import (
	"testing"

	"github.com/guardant/guardant/pkg/task"
)

func TestToProbeConfigTLSVerifyDefaultsTrue(t *testing.T) {
	cfg := toProbeConfig(task.TypeConfig{})
	if !cfg.TLSVerify {
		t.Fatal("expected TLSVerify to default to true when unset")
	}
}

func TestToProbeConfigTLSVerifyRespectsExplicitFalse(t *testing.T) {
	no := false
	cfg := toProbeConfig(task.TypeConfig{TLSVerify: &no})
	if cfg.TLSVerify {
		t.Fatal("expected TLSVerify false to be honoured")
	}
}

func TestToProbeSpecMapsFields(t *testing.T) {
	tk := task.Task{
		ServiceID:   "svc-1",
		ServiceType: "web",
		Target:      "https://example.com",
		TimeoutMs:   5000,
		TypeConfig: task.TypeConfig{
			Method:         "GET",
			ExpectedStatus: []int{200},
		},
	}
	spec := toProbeSpec(tk)

	if spec.ServiceID != "svc-1" || spec.Type != "web" || spec.Target != "https://example.com" {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	if spec.TimeoutMs != 5000 {
		t.Fatalf("expected timeout 5000, got %d", spec.TimeoutMs)
	}
	if spec.Config.Method != "GET" || len(spec.Config.ExpectedStatus) != 1 || spec.Config.ExpectedStatus[0] != 200 {
		t.Fatalf("unexpected config: %+v", spec.Config)
	}
}
