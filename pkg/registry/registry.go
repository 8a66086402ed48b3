// Package registry implements the Worker Registry: worker
// registration, platform-admin approval with broker credential issuance,
// heartbeat liveness, and the derived regions view.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/guardant/guardant/pkg/bus"
	"github.com/guardant/guardant/pkg/region"
)

const (
	heartbeatTTL    = 90 * time.Second
	livenessWindow  = 60 * time.Second
	registrationsKey = "workers:registrations"
	pendingKey       = "workers:pending"
)

// Status is a worker's place in the approval lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusSuspended Status = "suspended"
)

var (
	ErrNotFound       = errors.New("worker not found")
	ErrAlreadyExists  = errors.New("worker already registered")
	ErrNotApproved    = errors.New("worker is not approved")
)

// Registration is the persisted record of a worker.
type Registration struct {
	WorkerID           string    `json:"worker_id"`
	OwnerEmail         string    `json:"owner_email"`
	City               string    `json:"city"`
	Country            string    `json:"country"`
	Latitude           float64   `json:"latitude"`
	Longitude          float64   `json:"longitude"`
	Capabilities       []string  `json:"capabilities"`
	Status             Status    `json:"status"`
	RegionID           string    `json:"region_id,omitempty"`
	BrokerUser         string    `json:"broker_user,omitempty"`
	BrokerPasswordHash string    `json:"broker_password_hash,omitempty"`
	RegisteredAt       time.Time `json:"registered_at"`
	ApprovedAt         time.Time `json:"approved_at,omitempty"`
}

// Heartbeat is the most recent liveness ping from a worker.
type Heartbeat struct {
	WorkerID  string    `json:"worker_id"`
	AvgRTTMs  float64   `json:"avg_rtt_ms"`
	Capacity  int       `json:"capacity"`  // max_concurrency, from the worker's own config
	InFlight  int       `json:"in_flight"` // probes currently running, for the dispatcher's load score
	Degraded  bool      `json:"degraded"`  // worker's local buffer forwarder is failing
	SeenAt    time.Time `json:"seen_at"`
}

// Credentials are the one-time broker credentials returned on approval.
// The plaintext password is never stored; only its bcrypt hash is kept
// server-side for later revocation bookkeeping. BrokerURL is the
// connection string the worker dials, with Username/Password embedded.
type Credentials struct {
	Username  string
	Password  string
	BrokerURL string
}

// Registry is the Redis-backed Worker Registry.
type Registry struct {
	redis     *redis.Client
	bus       bus.MessageBus
	logger    *slog.Logger
	broker    BrokerProvisioner
	brokerURL string // amqp://host:port/vhost, credentials filled in per worker
}

// New creates a Registry. broker may be nil, in which case Approve still
// issues credentials but never provisions a broker account for them —
// useful for tests and for deployments that provision broker users out of
// band. brokerURL is the broker's host/port/vhost with no credentials;
// Approve fills in each worker's own username and password.
func New(rdb *redis.Client, b bus.MessageBus, logger *slog.Logger, broker BrokerProvisioner, brokerURL string) *Registry {
	return &Registry{redis: rdb, bus: b, logger: logger, broker: broker, brokerURL: brokerURL}
}

// Register records a new pending worker, idempotent on WorkerID
//.
func (r *Registry) Register(ctx context.Context, reg Registration) (*Registration, error) {
	existing, err := r.get(ctx, reg.WorkerID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	reg.Status = StatusPending
	reg.RegisteredAt = time.Now().UTC()

	if err := r.put(ctx, &reg); err != nil {
		return nil, err
	}
	if err := r.redis.ZAdd(ctx, pendingKey, redis.Z{Score: float64(reg.RegisteredAt.Unix()), Member: reg.WorkerID}).Err(); err != nil {
		return nil, fmt.Errorf("indexing pending worker: %w", err)
	}
	return &reg, nil
}

// Approve marks a worker approved, assigns it to a region, provisions it a
// scoped broker user, and issues credentials. The plaintext password is
// returned exactly once; only its bcrypt hash is persisted.
func (r *Registry) Approve(ctx context.Context, workerID, regionID string) (*Registration, Credentials, error) {
	reg, err := r.get(ctx, workerID)
	if err != nil {
		return nil, Credentials{}, err
	}

	creds, err := issueCredentials(workerID)
	if err != nil {
		return nil, Credentials{}, err
	}

	if r.broker != nil {
		if err := r.broker.Provision(ctx, creds.Username, creds.Password); err != nil {
			return nil, Credentials{}, fmt.Errorf("provisioning broker account: %w", err)
		}
	}
	creds.BrokerURL = withCredentials(r.brokerURL, creds.Username, creds.Password)

	hash, err := HashPassword(creds.Password)
	if err != nil {
		return nil, Credentials{}, err
	}

	reg.Status = StatusApproved
	reg.RegionID = regionID
	reg.BrokerUser = creds.Username
	reg.BrokerPasswordHash = hash
	reg.ApprovedAt = time.Now().UTC()

	if err := r.put(ctx, reg); err != nil {
		return nil, Credentials{}, err
	}
	if err := r.redis.ZRem(ctx, pendingKey, workerID).Err(); err != nil {
		r.logger.Warn("removing worker from pending set", "worker_id", workerID, "error", err)
	}
	return reg, creds, nil
}

// withCredentials embeds a username/password into a credential-less broker
// URL (scheme://host/vhost), producing the connection string a worker dials
// directly. Returns empty if no broker URL was configured.
func withCredentials(brokerURL, username, password string) string {
	if brokerURL == "" {
		return ""
	}
	u, err := url.Parse(brokerURL)
	if err != nil {
		return ""
	}
	u.User = url.UserPassword(username, password)
	return u.String()
}

// ChangeRegion reassigns an approved worker to a different region and
// publishes a change_region control command, without rotating its broker
// credentials — the worker reconnects to the new region's task queue under
// its existing credentials once it restarts.
func (r *Registry) ChangeRegion(ctx context.Context, workerID, regionID string) (*Registration, error) {
	reg, err := r.get(ctx, workerID)
	if err != nil {
		return nil, err
	}
	reg.RegionID = regionID
	if err := r.put(ctx, reg); err != nil {
		return nil, err
	}
	if r.bus != nil {
		payload, _ := json.Marshal(map[string]string{"command": "change_region", "worker_id": workerID, "region_id": regionID})
		if err := r.bus.PublishCommand(ctx, workerID, payload); err != nil {
			r.logger.Warn("publishing change_region command", "worker_id", workerID, "error", err)
		}
	}
	return reg, nil
}

// Reject deletes a pending registration.
func (r *Registry) Reject(ctx context.Context, workerID string) error {
	if _, err := r.get(ctx, workerID); err != nil {
		return err
	}
	if err := r.redis.HDel(ctx, registrationsKey, workerID).Err(); err != nil {
		return fmt.Errorf("deleting registration: %w", err)
	}
	r.redis.ZRem(ctx, pendingKey, workerID)
	return nil
}

// Suspend flags a worker suspended and publishes a suspend control
// command.
func (r *Registry) Suspend(ctx context.Context, workerID string) error {
	return r.setStatus(ctx, workerID, StatusSuspended, "suspend")
}

// Resume clears a worker's suspension.
func (r *Registry) Resume(ctx context.Context, workerID string) error {
	return r.setStatus(ctx, workerID, StatusApproved, "resume")
}

func (r *Registry) setStatus(ctx context.Context, workerID string, status Status, command string) error {
	reg, err := r.get(ctx, workerID)
	if err != nil {
		return err
	}
	reg.Status = status
	if err := r.put(ctx, reg); err != nil {
		return err
	}
	if r.bus != nil {
		payload, _ := json.Marshal(map[string]string{"command": command, "worker_id": workerID})
		if err := r.bus.PublishCommand(ctx, workerID, payload); err != nil {
			r.logger.Warn("publishing worker command", "worker_id", workerID, "command", command, "error", err)
		}
	}
	return nil
}

// Delete revokes a worker entirely: registration, heartbeat, and pending
// index.
func (r *Registry) Delete(ctx context.Context, workerID string) error {
	if _, err := r.get(ctx, workerID); err != nil {
		return err
	}
	r.redis.HDel(ctx, registrationsKey, workerID)
	r.redis.ZRem(ctx, pendingKey, workerID)
	r.redis.Del(ctx, heartbeatKey(workerID))
	return nil
}

// Get returns a single worker's registration.
func (r *Registry) Get(ctx context.Context, workerID string) (*Registration, error) {
	return r.get(ctx, workerID)
}

// List returns registrations, optionally filtered by status.
func (r *Registry) List(ctx context.Context, status Status) ([]Registration, error) {
	raw, err := r.redis.HGetAll(ctx, registrationsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing registrations: %w", err)
	}
	out := make([]Registration, 0, len(raw))
	for _, v := range raw {
		var reg Registration
		if err := json.Unmarshal([]byte(v), &reg); err != nil {
			r.logger.Warn("skipping corrupt registration", "error", err)
			continue
		}
		if status != "" && reg.Status != status {
			continue
		}
		out = append(out, reg)
	}
	return out, nil
}

// Heartbeat records a liveness ping, refreshing its TTL.
func (r *Registry) Heartbeat(ctx context.Context, hb Heartbeat) error {
	hb.SeenAt = time.Now().UTC()
	payload, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshalling heartbeat: %w", err)
	}
	if err := r.redis.Set(ctx, heartbeatKey(hb.WorkerID), payload, heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	return nil
}

// RegionsView derives the live regions_view(), grouping
// active heartbeats by location via pkg/region's decoupled BuildViews.
func (r *Registry) RegionsView(ctx context.Context) ([]region.View, error) {
	regs, err := r.List(ctx, StatusApproved)
	if err != nil {
		return nil, err
	}

	samples := make([]region.WorkerSample, 0, len(regs))
	for _, reg := range regs {
		hb, ok, err := r.getHeartbeat(ctx, reg.WorkerID)
		if err != nil {
			return nil, err
		}
		sample := region.WorkerSample{WorkerID: reg.WorkerID, City: reg.City, Country: reg.Country}
		if ok {
			sample.Active = time.Since(hb.SeenAt) < livenessWindow
			sample.AvgRTTMs = hb.AvgRTTMs
		}
		samples = append(samples, sample)
	}
	return region.BuildViews(samples), nil
}

func (r *Registry) get(ctx context.Context, workerID string) (*Registration, error) {
	raw, err := r.redis.HGet(ctx, registrationsKey, workerID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting registration: %w", err)
	}
	var reg Registration
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return nil, fmt.Errorf("unmarshalling registration: %w", err)
	}
	return &reg, nil
}

func (r *Registry) put(ctx context.Context, reg *Registration) error {
	payload, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshalling registration: %w", err)
	}
	if err := r.redis.HSet(ctx, registrationsKey, reg.WorkerID, payload).Err(); err != nil {
		return fmt.Errorf("storing registration: %w", err)
	}
	if reg.OwnerEmail != "" {
		r.redis.SAdd(ctx, ownerSetKey(reg.OwnerEmail), reg.WorkerID)
	}
	return nil
}

// GetHeartbeat returns a worker's most recent heartbeat, if one is still
// within its TTL. Used by the dispatcher's worker-selection scoring.
func (r *Registry) GetHeartbeat(ctx context.Context, workerID string) (Heartbeat, bool, error) {
	return r.getHeartbeat(ctx, workerID)
}

func (r *Registry) getHeartbeat(ctx context.Context, workerID string) (Heartbeat, bool, error) {
	raw, err := r.redis.Get(ctx, heartbeatKey(workerID)).Result()
	if errors.Is(err, redis.Nil) {
		return Heartbeat{}, false, nil
	}
	if err != nil {
		return Heartbeat{}, false, fmt.Errorf("getting heartbeat: %w", err)
	}
	var hb Heartbeat
	if err := json.Unmarshal([]byte(raw), &hb); err != nil {
		return Heartbeat{}, false, fmt.Errorf("unmarshalling heartbeat: %w", err)
	}
	return hb, true, nil
}

func heartbeatKey(workerID string) string {
	return fmt.Sprintf("workers:heartbeat:%s", workerID)
}

func ownerSetKey(email string) string {
	return fmt.Sprintf("workers:by_owner:%s", email)
}

// issueCredentials generates a broker username/password pair: a 256-bit
// random password and a username scoped to the worker.
func issueCredentials(workerID string) (Credentials, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return Credentials{}, fmt.Errorf("generating credential entropy: %w", err)
	}
	password := base64.RawURLEncoding.EncodeToString(buf)
	return Credentials{Username: "worker-" + workerID, Password: password}, nil
}

// HashPassword returns the bcrypt hash of a broker password for storage
// alongside the registration, so the plaintext never needs to be kept.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing credential: %w", err)
	}
	return string(hash), nil
}
