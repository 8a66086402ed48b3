// Package probe implements the eight probe strategies: pure functions that
// take a ServiceSpec snapshot and a deadline and return a ProbeResult, with
// no knowledge of scheduling, retries, or persistence.
package probe

import (
	"context"
	"time"
)

// Status is the outcome a single probe observation produces.
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// ErrorKind classifies why a probe did not come back up, for consumers
// (aggregator, UI) that need more than a boolean.
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindTLS         ErrorKind = "tls"
	ErrorKindDNS         ErrorKind = "dns"
	ErrorKindConnRefused ErrorKind = "connection_refused"
	ErrorKindConnReset   ErrorKind = "connection_reset"
	ErrorKindRedirect    ErrorKind = "redirect_loop"
	ErrorKindDecode      ErrorKind = "decode_error"
	ErrorKindProtocol    ErrorKind = "protocol"
	ErrorKindRateLimit   ErrorKind = "rate_limit"
)

// ServiceSpec is the immutable snapshot a strategy probes against. It
// carries only what a strategy needs, decoupled from pkg/service's richer
// persisted Service so the probe engine has no database dependency.
type ServiceSpec struct {
	ServiceID string `json:"-"`
	Type      string
	Target    string
	TimeoutMs int
	Interval  time.Duration
	Config    Config
}

// Config mirrors the fields of service.TypeConfig the probe engine reads.
// Kept separate from service.TypeConfig to avoid pkg/probe importing
// pkg/service; the worker agent translates one into the other.
type Config struct {
	Method                  string
	Headers                 map[string]string
	ExpectedStatus          []int
	FollowRedirects         bool
	TLSVerify               bool
	ExpectedBodySubstring   string
	ProbeBytes              []byte
	ExpectedPrefix          string
	PingCount               int
	PingSizeBytes           int
	ExpectedIntervalSeconds int
	GraceSeconds            int
	Owner                   string
	Repo                    string
	Predicate               string
}

// Error describes why a probe did not report up/degraded.
type Error struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// Result is what a strategy returns for a single probe attempt.
type Result struct {
	Status         Status  `json:"status"`
	RTTMs          float64 `json:"rtt_ms"`
	StatusCode     int     `json:"status_code,omitempty"`
	PacketLossPct  float64 `json:"packet_loss_pct,omitempty"`
	TLSExpiryDays  int     `json:"tls_expiry_days,omitempty"`
	Error          *Error  `json:"error,omitempty"`
	ObservedAt     time.Time
}

// Strategy executes one probe attempt against spec, bounded by ctx's
// deadline (the caller sets ctx's deadline from spec.TimeoutMs).
type Strategy func(ctx context.Context, spec ServiceSpec) Result

// HeartbeatLookup is the narrow interface the heartbeat strategy needs
// from the ingest store: the last time a passive heartbeat arrived for a
// service. Defined here (not in pkg/ingest) so pkg/probe never imports it.
type HeartbeatLookup interface {
	LastHeartbeat(ctx context.Context, serviceID string) (time.Time, bool, error)
}

// Registry dispatches a ServiceSpec to its strategy by type.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry builds the registry of all eight strategies. heartbeats may
// be nil if the heartbeat type is never used by the caller.
func NewRegistry(heartbeats HeartbeatLookup) *Registry {
	client := newHTTPClient()
	return &Registry{strategies: map[string]Strategy{
		"web":        webStrategy(client),
		"keyword":    keywordStrategy(client),
		"tcp":        tcpStrategy(),
		"port":       portStrategy(),
		"ping":       pingStrategy(),
		"heartbeat":  heartbeatStrategy(heartbeats),
		"github":     githubStrategy(client),
		"uptime-api": uptimeAPIStrategy(client),
	}}
}

// Run dispatches spec to its strategy. Returns a protocol-kind error
// result if spec.Type isn't recognised, never a Go error, since the
// caller always needs a Result to persist.
func (r *Registry) Run(ctx context.Context, spec ServiceSpec) Result {
	strategy, ok := r.strategies[spec.Type]
	if !ok {
		return Result{
			Status:     StatusDown,
			Error:      &Error{Kind: ErrorKindProtocol, Detail: "unknown service type: " + spec.Type},
			ObservedAt: time.Now(),
		}
	}
	return strategy(ctx, spec)
}
