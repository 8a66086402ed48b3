// Package ingest implements Result Ingest + Aggregator: the
// durable, dedup'd consumer of ProbeResults that rolls them up into uptime
// windows, drives the incident state machine, and refreshes the public
// status cache.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/guardant/guardant/internal/telemetry"
	"github.com/guardant/guardant/pkg/archive"
	"github.com/guardant/guardant/pkg/bus"
	"github.com/guardant/guardant/pkg/incident"
	"github.com/guardant/guardant/pkg/nest"
	"github.com/guardant/guardant/pkg/task"
)

// archiveTTL bounds how long a mirrored status snapshot lives in the
// long-term archive before Golem may reclaim it; the authoritative copy
// always remains Postgres/Redis.
const archiveTTL = 30 * 24 * time.Hour

const dedupCacheSize = 100_000

// Notifier is the narrow seam for outbound incident notifications. Defined
// here (not imported from pkg/notify) so the aggregator never depends on a
// concrete notification channel; cmd/guardant wires a pkg/notify.Slack value
// that satisfies this structurally.
type Notifier interface {
	NotifyIncidentOpened(ctx context.Context, nestSchema string, inc incident.Response) error
}

// Aggregator consumes ProbeResults from the shared results queue.
type Aggregator struct {
	pool      *pgxpool.Pool
	status    *Store
	bus       bus.MessageBus
	logger    *slog.Logger
	notifier  Notifier
	archiver  *archive.Reconciler

	dedup   *lru.Cache[string, struct{}]
	rollups *rollupStore

	mu       sync.Mutex
	votes    map[string]map[string]regionVote // serviceID -> region -> last vote
	nestCache sync.Map                    // nestID string -> schema string
}

// regionVote is one region's most recent status report for a service, kept
// only long enough to matter for the majority vote.
type regionVote struct {
	status string
	at     time.Time
}

// New creates an Aggregator. notifier may be nil to disable incident
// notifications. archiver may be nil to skip mirroring status snapshots
// to the long-term archive; when non-nil the caller is
// expected to also run archiver.Run in its own goroutine.
func New(pool *pgxpool.Pool, rdb *redis.Client, b bus.MessageBus, logger *slog.Logger, notifier Notifier, archiver *archive.Reconciler) (*Aggregator, error) {
	dedup, err := lru.New[string, struct{}](dedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating dedup cache: %w", err)
	}
	return &Aggregator{
		pool:     pool,
		status:   NewStore(rdb),
		bus:      b,
		logger:   logger,
		notifier: notifier,
		archiver: archiver,
		dedup:    dedup,
		rollups:  newRollupStore(),
		votes:    make(map[string]map[string]regionVote),
	}, nil
}

// Run consumes from the results queue until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	return a.bus.ConsumeResults(ctx, a.handle)
}

func (a *Aggregator) handle(ctx context.Context, d bus.Delivery) error {
	var r task.Result
	if err := json.Unmarshal(d.Body, &r); err != nil {
		a.logger.Error("discarding unparseable result", "error", err)
		return nil // malformed payloads are not retryable; ack and drop
	}

	if _, seen := a.dedup.Get(r.ResultID); seen {
		telemetry.ResultsDeduplicatedTotal.Inc()
		return nil
	}
	a.dedup.Add(r.ResultID, struct{}{})

	telemetry.ResultsIngestedTotal.WithLabelValues(r.Status).Inc()

	if err := a.ingest(ctx, r); err != nil {
		a.logger.Error("ingesting result failed", "service_id", r.ServiceID, "error", err)
		return err // requeued; the dedup entry already prevents double-counting on redelivery
	}
	return nil
}

func (a *Aggregator) ingest(ctx context.Context, r task.Result) error {
	schema, err := a.nestSchema(ctx, r.NestID)
	if err != nil {
		return fmt.Errorf("resolving nest schema: %w", err)
	}

	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT set_config('search_path', $1, false)", schema+", public"); err != nil {
		return fmt.Errorf("setting search_path: %w", err)
	}

	if err := a.insertResult(ctx, conn, r); err != nil {
		return err
	}

	var name string
	var regions []string
	var intervalSeconds int
	if err := conn.QueryRow(ctx, "SELECT name, regions, interval_seconds FROM services WHERE id = $1", r.ServiceID).Scan(&name, &regions, &intervalSeconds); err != nil {
		return fmt.Errorf("loading service config: %w", err)
	}

	up := r.Status == "up"
	overall := a.vote(r.ServiceID, r.Region, r.Status, r.StartedAt, len(regions), time.Duration(intervalSeconds)*time.Second)
	snapshot := a.rollups.record(r.ServiceID, r.StartedAt, up)

	nestID, err := uuid.Parse(r.NestID)
	if err != nil {
		return fmt.Errorf("parsing nest id: %w", err)
	}
	serviceID, err := uuid.Parse(r.ServiceID)
	if err != nil {
		return fmt.Errorf("parsing service id: %w", err)
	}

	incidents := incident.NewService(conn, a.logger)
	consecutiveNonUp, consecutiveUp, err := incidents.IncrementCounters(ctx, nestID, serviceID, !up)
	if err != nil {
		return fmt.Errorf("incrementing status counters: %w", err)
	}

	if !up && consecutiveNonUp >= 3 {
		inc, err := incidents.OpenOrContinue(ctx, nestID, serviceID, incident.SeverityMajor)
		if err != nil {
			return fmt.Errorf("opening incident: %w", err)
		}
		if inc != nil {
			telemetry.IncidentsOpenedTotal.WithLabelValues(string(incident.SeverityMajor)).Inc()
			if a.notifier != nil {
				if err := a.notifier.NotifyIncidentOpened(ctx, schema, *inc); err != nil {
					a.logger.Warn("incident notification failed", "error", err, "incident_id", inc.ID)
				}
			}
		}
	}
	if up && consecutiveUp >= 3 {
		if err := incidents.MaybeAutoResolve(ctx, nestID, serviceID, consecutiveUp); err != nil {
			return fmt.Errorf("auto-resolving incident: %w", err)
		}
	}

	entry := StatusEntry{ServiceID: r.ServiceID, Name: name, Status: overall, Snapshot: snapshot, LastCheck: r.StartedAt}
	if err := a.status.CacheStatus(ctx, schema, entry); err != nil {
		a.logger.Warn("caching status failed", "error", err)
	}
	if err := a.status.PublishStatus(ctx, schema, entry); err != nil {
		a.logger.Warn("publishing status failed", "error", err)
	}

	if a.archiver != nil {
		if payload, err := json.Marshal(entry); err == nil {
			a.archiver.Enqueue(archive.Entry{
				Key:       fmt.Sprintf("rollup:%s:%s", schema, entry.ServiceID),
				Value:     payload,
				TTL:       archiveTTL,
				Version:   r.StartedAt.UnixNano(),
				Timestamp: r.StartedAt,
			})
		}
	}

	return nil
}

func (a *Aggregator) insertResult(ctx context.Context, conn *pgxpool.Conn, r task.Result) error {
	var errKind, errDetail any
	if r.Error != nil {
		errKind, errDetail = r.Error.Kind, r.Error.Detail
	}
	sample, err := json.Marshal(r.Sample)
	if err != nil {
		return fmt.Errorf("marshalling sample: %w", err)
	}
	_, err = conn.Exec(ctx,
		`INSERT INTO probe_results (id, service_id, worker_id, region, started_at, rtt_ms, status, status_code, error_kind, error_detail, sample)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		r.ResultID, r.ServiceID, r.WorkerID, r.Region, r.StartedAt, r.RTTMs, r.Status, r.StatusCode, errKind, errDetail, sample,
	)
	if err != nil {
		return fmt.Errorf("inserting probe result: %w", err)
	}
	return nil
}

// vote updates the per-region status vote for a service and returns the
// overall status: up iff a strict majority of the service's configured
// regions reported up within the last 2*interval, down iff a strict
// majority reported down, otherwise degraded. Regions that haven't
// reported within that window are pruned and don't count either way, so a
// region that's gone quiet drags the service toward degraded rather than
// keeping an old vote alive forever.
func (a *Aggregator) vote(serviceID, region, status string, at time.Time, configuredRegions int, interval time.Duration) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	byRegion, ok := a.votes[serviceID]
	if !ok {
		byRegion = make(map[string]regionVote)
		a.votes[serviceID] = byRegion
	}
	byRegion[region] = regionVote{status: status, at: at}

	cutoff := at.Add(-2 * interval)
	var upN, downN int
	for r, v := range byRegion {
		if v.at.Before(cutoff) {
			delete(byRegion, r)
			continue
		}
		switch v.status {
		case "up":
			upN++
		case "down":
			downN++
		}
	}

	switch {
	case configuredRegions > 0 && upN*2 > configuredRegions:
		return "up"
	case configuredRegions > 0 && downN*2 > configuredRegions:
		return "down"
	default:
		return "degraded"
	}
}

func (a *Aggregator) nestSchema(ctx context.Context, nestID string) (string, error) {
	if v, ok := a.nestCache.Load(nestID); ok {
		return v.(string), nil
	}
	id, err := uuid.Parse(nestID)
	if err != nil {
		return "", fmt.Errorf("parsing nest id %s: %w", nestID, err)
	}
	var subdomain string
	if err := a.pool.QueryRow(ctx, "SELECT subdomain FROM public.nests WHERE id = $1", id).Scan(&subdomain); err != nil {
		return "", fmt.Errorf("looking up nest %s: %w", nestID, err)
	}
	schema := nest.SchemaName(subdomain)
	a.nestCache.Store(nestID, schema)
	return schema, nil
}
