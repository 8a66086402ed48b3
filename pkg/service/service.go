// Package service implements the Service entity: a single
// monitored target, its probe configuration, and the nest subscription
// quota that bounds how many a nest may create.
package service

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type is the probe strategy a Service uses, one of the eight supported strategies.
type Type string

const (
	TypeWeb       Type = "web"
	TypeTCP       Type = "tcp"
	TypePing      Type = "ping"
	TypePort      Type = "port"
	TypeKeyword   Type = "keyword"
	TypeHeartbeat Type = "heartbeat"
	TypeGitHub    Type = "github"
	TypeUptimeAPI Type = "uptime-api"
)

var validTypes = map[Type]bool{
	TypeWeb: true, TypeTCP: true, TypePing: true, TypePort: true,
	TypeKeyword: true, TypeHeartbeat: true, TypeGitHub: true, TypeUptimeAPI: true,
}

// IsValidType reports whether t is a recognised service type.
func IsValidType(t string) bool {
	return validTypes[Type(t)]
}

// RegionStrategy controls how the dispatcher picks regions to probe from
// among a service's configured regions.
type RegionStrategy string

const (
	StrategyClosest    RegionStrategy = "closest"
	StrategyRoundRobin RegionStrategy = "round_robin"
	StrategyFailover   RegionStrategy = "failover"
)

const (
	MinIntervalSeconds = 30
	MaxIntervalSeconds = 3600
	MaxTimeoutMs       = 30000
)

var (
	ErrNotFound       = errors.New("service not found")
	ErrQuotaExceeded  = errors.New("nest has reached its services_limit")
	ErrInvalidConfig  = errors.New("invalid service configuration")
)

// TypeConfig holds every strategy-specific knob. Only the fields relevant
// to Type are meaningful; unused fields are left zero. This is a sum type
// in place of an untyped config blob.
type TypeConfig struct {
	// web, keyword, github, uptime-api
	Method          string            `json:"method,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	ExpectedStatus  []int             `json:"expected_status,omitempty"` // empty means "any 2xx"
	FollowRedirects bool              `json:"follow_redirects,omitempty"`
	TLSVerify       *bool             `json:"tls_verify,omitempty"` // nil defaults to true

	// keyword
	ExpectedBodySubstring string `json:"expected_body_substring,omitempty"`

	// tcp, port
	ProbeBytes     []byte `json:"probe_bytes,omitempty"`
	ExpectedPrefix string `json:"expected_prefix,omitempty"`

	// ping
	PingCount     int `json:"ping_count,omitempty"`     // default 4
	PingSizeBytes int `json:"ping_size_bytes,omitempty"` // default 32

	// heartbeat
	ExpectedIntervalSeconds int `json:"expected_interval_seconds,omitempty"`
	GraceSeconds            int `json:"grace_seconds,omitempty"`

	// github
	Owner string `json:"owner,omitempty"`
	Repo  string `json:"repo,omitempty"`

	// uptime-api
	Predicate string `json:"predicate,omitempty"` // PaesslerAG/jsonpath expression
}

// TLSVerifyEnabled returns whether certificate verification is enabled,
// defaulting to true when unset.
func (c TypeConfig) TLSVerifyEnabled() bool {
	return c.TLSVerify == nil || *c.TLSVerify
}

// Service is a single monitored target belonging to a nest.
type Service struct {
	ID              uuid.UUID
	NestID          uuid.UUID
	Name            string
	Type            Type
	Target          string
	TypeConfig      TypeConfig
	IntervalSeconds int
	TimeoutMs       int
	Regions         []string
	Strategy        RegionStrategy
	MinRegions      int
	IsActive        bool
	NextDueAt       time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate checks the structural invariants a Service must satisfy,
// independent of any database state (quota checks happen in the Store).
func (s *Service) Validate() error {
	if !IsValidType(string(s.Type)) {
		return ErrInvalidConfig
	}
	if s.IntervalSeconds < MinIntervalSeconds || s.IntervalSeconds > MaxIntervalSeconds {
		return ErrInvalidConfig
	}
	if s.TimeoutMs <= 0 || s.TimeoutMs > MaxTimeoutMs {
		return ErrInvalidConfig
	}
	if s.TimeoutMs > s.IntervalSeconds*1000 {
		return ErrInvalidConfig
	}
	if s.Strategy == "" {
		s.Strategy = StrategyFailover
	}
	if s.MinRegions <= 0 {
		s.MinRegions = 1
	}
	return nil
}

// CreateRequest is the JSON body for POST /api/v1/services.
type CreateRequest struct {
	Name            string          `json:"name" validate:"required,min=1,max=200"`
	Type            string          `json:"type" validate:"required,oneof=web tcp ping port keyword heartbeat github uptime-api"`
	Target          string          `json:"target" validate:"required,min=1"`
	TypeConfig      json.RawMessage `json:"type_config,omitempty"`
	IntervalSeconds int             `json:"interval_seconds" validate:"required,gte=30,lte=3600"`
	TimeoutMs       int             `json:"timeout_ms" validate:"required,gte=1,lte=30000"`
	Regions         []string        `json:"regions" validate:"required,min=1"`
	Strategy        string          `json:"strategy,omitempty" validate:"omitempty,oneof=closest round_robin failover"`
	MinRegions      int             `json:"min_regions,omitempty"`
}

// UpdateRequest is the JSON body for PUT /api/v1/services/:id.
type UpdateRequest struct {
	Name            string          `json:"name" validate:"required,min=1,max=200"`
	Target          string          `json:"target" validate:"required,min=1"`
	TypeConfig      json.RawMessage `json:"type_config,omitempty"`
	IntervalSeconds int             `json:"interval_seconds" validate:"required,gte=30,lte=3600"`
	TimeoutMs       int             `json:"timeout_ms" validate:"required,gte=1,lte=30000"`
	Regions         []string        `json:"regions" validate:"required,min=1"`
	Strategy        string          `json:"strategy,omitempty" validate:"omitempty,oneof=closest round_robin failover"`
	MinRegions      int             `json:"min_regions,omitempty"`
	IsActive        *bool           `json:"is_active,omitempty"`
}

// Response is the JSON shape of a Service.
type Response struct {
	ID              uuid.UUID  `json:"id"`
	NestID          uuid.UUID  `json:"nest_id"`
	Name            string     `json:"name"`
	Type            string     `json:"type"`
	Target          string     `json:"target"`
	TypeConfig      TypeConfig `json:"type_config"`
	IntervalSeconds int        `json:"interval_seconds"`
	TimeoutMs       int        `json:"timeout_ms"`
	Regions         []string   `json:"regions"`
	Strategy        string     `json:"strategy"`
	MinRegions      int        `json:"min_regions"`
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ToResponse converts a Service to its JSON DTO.
func (s *Service) ToResponse() Response {
	return Response{
		ID:              s.ID,
		NestID:          s.NestID,
		Name:            s.Name,
		Type:            string(s.Type),
		Target:          s.Target,
		TypeConfig:      s.TypeConfig,
		IntervalSeconds: s.IntervalSeconds,
		TimeoutMs:       s.TimeoutMs,
		Regions:         s.Regions,
		Strategy:        string(s.Strategy),
		MinRegions:      s.MinRegions,
		IsActive:        s.IsActive,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}
