// Package task defines the wire shapes that cross the message bus between
// the coordinator, the worker agent, and the aggregator:
// ProbeTask and ProbeResult. Kept dependency-free (stdlib + uuid only) so
// both the worker binary and the control-plane binary can import it without
// pulling in each other's storage layers.
package task

import "time"

// Task is the wire shape of a ProbeTask, published by the dispatcher to the
// tasks exchange and consumed by exactly one worker (at-least-once).
type Task struct {
	TaskID          string    `json:"task_id"`
	NestID          string    `json:"nest_id"`
	ServiceID       string    `json:"service_id"`
	ServiceType     string    `json:"service_type"`
	Target          string    `json:"target"`
	TypeConfig      TypeConfig `json:"type_config"`
	IntervalSeconds int       `json:"interval_seconds"`
	TimeoutMs       int       `json:"timeout_ms"`
	RegionHint      string    `json:"region_hint"`
	Priority        int       `json:"priority"`
	NotBeforeTs     time.Time `json:"not_before_ts"`
	Attempt         int       `json:"attempt"`
}

// TypeConfig mirrors service.TypeConfig's JSON shape on the wire. Declared
// separately so pkg/task never imports pkg/service (which pulls in pgx);
// the two are kept field-for-field identical by pkg/service's ToWireConfig.
type TypeConfig struct {
	Method                  string            `json:"method,omitempty"`
	Headers                 map[string]string `json:"headers,omitempty"`
	ExpectedStatus          []int             `json:"expected_status,omitempty"`
	FollowRedirects         bool              `json:"follow_redirects,omitempty"`
	TLSVerify               *bool             `json:"tls_verify,omitempty"`
	ExpectedBodySubstring   string            `json:"expected_body_substring,omitempty"`
	ProbeBytes              []byte            `json:"probe_bytes,omitempty"`
	ExpectedPrefix          string            `json:"expected_prefix,omitempty"`
	PingCount               int               `json:"ping_count,omitempty"`
	PingSizeBytes           int               `json:"ping_size_bytes,omitempty"`
	ExpectedIntervalSeconds int               `json:"expected_interval_seconds,omitempty"`
	GraceSeconds            int               `json:"grace_seconds,omitempty"`
	Owner                   string            `json:"owner,omitempty"`
	Repo                    string            `json:"repo,omitempty"`
	Predicate               string            `json:"predicate,omitempty"`
}

// ResultError is the wire shape of a ProbeResult's optional error detail.
type ResultError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Sample carries the probe-specific observations grouped under
// ProbeResult.sample.
type Sample struct {
	BodyHash      string  `json:"body_hash,omitempty"`
	TLSExpiryDays int     `json:"tls_expiry_days,omitempty"`
	PacketLossPct float64 `json:"packet_loss_pct,omitempty"`
}

// Result is the wire shape of a ProbeResult, published by the worker to the
// durable results queue and consumed competitively by aggregator instances.
// Idempotent on ResultID + (ServiceID, StartedAt, Region)
type Result struct {
	ResultID   string       `json:"result_id"`
	TaskID     string       `json:"task_id"`
	ServiceID  string       `json:"service_id"`
	NestID     string       `json:"nest_id"`
	WorkerID   string       `json:"worker_id"`
	Region     string       `json:"region"`
	StartedAt  time.Time    `json:"started_at"`
	RTTMs      float64      `json:"rtt_ms"`
	Status     string       `json:"status"`
	StatusCode int          `json:"status_code,omitempty"`
	Error      *ResultError `json:"error,omitempty"`
	Sample     Sample       `json:"sample,omitempty"`
}
