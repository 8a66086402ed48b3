package worker

import (
	"github.com/guardant/guardant/pkg/probe"
	"github.com/guardant/guardant/pkg/task"
)

// toProbeConfig converts a task's wire-format TypeConfig into the probe
// engine's Config, resolving TLSVerify's "nil means true" default the same
// way pkg/service.TypeConfig.TLSVerifyEnabled does.
func toProbeConfig(c task.TypeConfig) probe.Config {
	return probe.Config{
		Method:                  c.Method,
		Headers:                 c.Headers,
		ExpectedStatus:          c.ExpectedStatus,
		FollowRedirects:         c.FollowRedirects,
		TLSVerify:               c.TLSVerify == nil || *c.TLSVerify,
		ExpectedBodySubstring:   c.ExpectedBodySubstring,
		ProbeBytes:              c.ProbeBytes,
		ExpectedPrefix:          c.ExpectedPrefix,
		PingCount:               c.PingCount,
		PingSizeBytes:           c.PingSizeBytes,
		ExpectedIntervalSeconds: c.ExpectedIntervalSeconds,
		GraceSeconds:            c.GraceSeconds,
		Owner:                   c.Owner,
		Repo:                    c.Repo,
		Predicate:               c.Predicate,
	}
}

func toProbeSpec(t task.Task) probe.ServiceSpec {
	return probe.ServiceSpec{
		ServiceID: t.ServiceID,
		Type:      t.ServiceType,
		Target:    t.Target,
		TimeoutMs: t.TimeoutMs,
		Config:    toProbeConfig(t.TypeConfig),
	}
}
