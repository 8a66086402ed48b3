// Package dispatcher implements the Coordinator: the
// per-tick scheduling loop that finds due services, picks which regions to
// probe them from, and publishes ProbeTasks to the message bus.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/guardant/guardant/internal/telemetry"
	"github.com/guardant/guardant/pkg/bus"
	"github.com/guardant/guardant/pkg/nest"
	"github.com/guardant/guardant/pkg/registry"
	"github.com/guardant/guardant/pkg/service"
	"github.com/guardant/guardant/pkg/task"
)

const (
	inflightTTL        = 30 * time.Second // dedup window for "already dispatched this tick"
	noCoverageKeyTTL   = 24 * time.Hour
	noCoverageThreshold = 3
	dueBatchSize       = 500
)

// Dispatcher runs the scheduling loop across every active nest.
type Dispatcher struct {
	pool     *pgxpool.Pool
	rdb      *redis.Client
	bus      bus.MessageBus
	registry *registry.Registry
	logger   *slog.Logger

	tick         time.Duration
	shardIndex   int
	shardCount   int
	quotas       *quotaTracker
	tickCounter  uint64
}

// New creates a Dispatcher. shardIndex/shardCount let several coordinator
// processes split the nest set between them: each process only ticks nests where
// hash(nest_id) % shardCount == shardIndex.
func New(pool *pgxpool.Pool, rdb *redis.Client, b bus.MessageBus, reg *registry.Registry, logger *slog.Logger, tickInterval time.Duration, shardIndex, shardCount int) *Dispatcher {
	if shardCount <= 0 {
		shardCount = 1
	}
	return &Dispatcher{
		pool: pool, rdb: rdb, bus: b, registry: reg, logger: logger,
		tick: tickInterval, shardIndex: shardIndex, shardCount: shardCount,
		quotas: newQuotaTracker(),
	}
}

// Run ticks forever until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.tickCounter++
			if err := d.runTick(ctx); err != nil {
				d.logger.Error("dispatch tick failed", "error", err)
			}
		}
	}
}

type nestRow struct {
	id        uuid.UUID
	subdomain string
	tier      string
}

func (d *Dispatcher) runTick(ctx context.Context) error {
	nests, err := d.ownedNests(ctx)
	if err != nil {
		return fmt.Errorf("listing nests: %w", err)
	}

	for _, n := range nests {
		if err := d.tickNest(ctx, n); err != nil {
			d.logger.Error("dispatching for nest failed", "nest_id", n.id, "error", err)
		}
	}
	return nil
}

// ownedNests lists the active nests this shard is responsible for.
func (d *Dispatcher) ownedNests(ctx context.Context) ([]nestRow, error) {
	rows, err := d.pool.Query(ctx, `SELECT id, subdomain, tier FROM public.nests WHERE is_active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []nestRow
	for rows.Next() {
		var n nestRow
		if err := rows.Scan(&n.id, &n.subdomain, &n.tier); err != nil {
			return nil, err
		}
		if d.owns(n.id) {
			out = append(out, n)
		}
	}
	return out, rows.Err()
}

func (d *Dispatcher) owns(nestID uuid.UUID) bool {
	if d.shardCount <= 1 {
		return true
	}
	h := 0
	for _, b := range nestID {
		h = h*31 + int(b)
	}
	if h < 0 {
		h = -h
	}
	return h%d.shardCount == d.shardIndex
}

func (d *Dispatcher) tickNest(ctx context.Context, n nestRow) error {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	schema := nest.SchemaName(n.subdomain)
	if _, err := conn.Exec(ctx, "SELECT set_config('search_path', $1, false)", schema+", public"); err != nil {
		return fmt.Errorf("setting search_path to %s: %w", schema, err)
	}

	store := service.NewStore(conn)
	due, err := store.ListActiveDue(ctx, dueBatchSize)
	if err != nil {
		return fmt.Errorf("listing due services: %w", err)
	}

	for i := range due {
		svc := &due[i]
		if err := d.dispatchService(ctx, store, n, svc); err != nil {
			d.logger.Error("dispatching service failed", "service_id", svc.ID, "error", err)
			continue
		}
	}
	return nil
}

func (d *Dispatcher) dispatchService(ctx context.Context, store *service.Store, n nestRow, svc *service.Service) error {
	if !d.quotas.Allow(n.id, tierRate(n.tier)) {
		return nil // quota exhausted this tick; the service stays due and retries next tick
	}

	covered, err := d.dispatchToRegions(ctx, n, svc)
	if err != nil {
		return err
	}

	if covered == 0 {
		return d.noteNoCoverage(ctx, n, svc)
	}
	d.resetNoCoverage(ctx, svc.ID)
	return store.MarkDispatched(ctx, svc.ID)
}

// dispatchToRegions walks svc's configured regions in the order its
// RegionStrategy prescribes, publishing a ProbeTask to each region with live
// coverage until MinRegions are satisfied. Returns the number of regions
// actually dispatched to.
func (d *Dispatcher) dispatchToRegions(ctx context.Context, n nestRow, svc *service.Service) (int, error) {
	order := d.orderRegions(ctx, string(svc.Strategy), svc.Regions)

	covered := 0
	for _, regionID := range order {
		if covered >= svc.MinRegions {
			break
		}

		live, err := d.hasCoverage(ctx, regionID, svc)
		if err != nil {
			d.logger.Warn("checking region coverage", "region", regionID, "error", err)
			continue
		}
		if !live {
			continue
		}

		ok, err := d.claimInflight(ctx, svc.ID, regionID)
		if err != nil {
			return covered, err
		}
		if !ok {
			covered++ // another coordinator instance already dispatched this tick
			continue
		}

		if err := d.publishTask(ctx, n, svc, regionID); err != nil {
			return covered, err
		}
		telemetry.TasksDispatchedTotal.WithLabelValues(regionID).Inc()
		covered++
	}
	return covered, nil
}

// orderRegions reorders svc's configured regions per its strategy: closest
// and failover favor regions whose best candidate worker currently scores
// highest (proximity and headroom included), round_robin rotates impartially
// by tick so every region gets equal share over time.
func (d *Dispatcher) orderRegions(ctx context.Context, strategy string, configured []string) []string {
	if strategy == "round_robin" {
		return selectRegions(strategy, configured, d.tickCounter)
	}

	type scoredRegion struct {
		id    string
		score float64
	}
	scored := make([]scoredRegion, 0, len(configured))
	for _, r := range configured {
		top := d.topCandidateScore(ctx, r)
		scored = append(scored, scoredRegion{id: r, score: top})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	out := make([]string, len(scored))
	for i, s := range scored {
		out[i] = s.id
	}
	return out
}

func (d *Dispatcher) topCandidateScore(ctx context.Context, regionID string) float64 {
	regs, err := d.registry.List(ctx, registry.StatusApproved)
	if err != nil {
		return 0
	}
	inRegion := make([]registry.Registration, 0, len(regs))
	for _, r := range regs {
		if r.RegionID == regionID {
			inRegion = append(inRegion, r)
		}
	}
	candidates := scoreWorkers(ctx, d.registry, regionID, nil, inRegion)
	if len(candidates) == 0 {
		return -1 // no coverage; sorts last
	}
	return candidates[0].score
}

func (d *Dispatcher) hasCoverage(ctx context.Context, regionID string, svc *service.Service) (bool, error) {
	regs, err := d.registry.List(ctx, registry.StatusApproved)
	if err != nil {
		return false, err
	}
	inRegion := make([]registry.Registration, 0, len(regs))
	for _, r := range regs {
		if r.RegionID == regionID {
			inRegion = append(inRegion, r)
		}
	}
	candidates := scoreWorkers(ctx, d.registry, regionID, nil, inRegion)
	return len(candidates) > 0, nil
}

// claimInflight sets a short-lived dedup key so a retried or duplicated tick
// (e.g. two coordinator shards briefly overlapping during a rebalance)
// doesn't double-publish the same service+region task.
func (d *Dispatcher) claimInflight(ctx context.Context, serviceID uuid.UUID, regionID string) (bool, error) {
	key := fmt.Sprintf("dispatch:inflight:%s:%s", serviceID, regionID)
	ok, err := d.rdb.SetNX(ctx, key, 1, inflightTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claiming inflight key: %w", err)
	}
	return ok, nil
}

func (d *Dispatcher) publishTask(ctx context.Context, n nestRow, svc *service.Service, regionID string) error {
	t := task.Task{
		TaskID:          uuid.NewString(),
		NestID:          n.id.String(),
		ServiceID:       svc.ID.String(),
		ServiceType:     string(svc.Type),
		Target:          svc.Target,
		TypeConfig:      toWireConfig(svc.TypeConfig),
		IntervalSeconds: svc.IntervalSeconds,
		TimeoutMs:       svc.TimeoutMs,
		RegionHint:      regionID,
		Priority:        nest.Tier(n.tier).DispatchPriority(),
		NotBeforeTs:     time.Now().UTC(),
		Attempt:         1,
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshalling task: %w", err)
	}
	if err := d.bus.PublishTask(ctx, regionID, body); err != nil {
		return fmt.Errorf("publishing task: %w", err)
	}
	return nil
}

func toWireConfig(c service.TypeConfig) task.TypeConfig {
	return task.TypeConfig{
		Method:                  c.Method,
		Headers:                 c.Headers,
		ExpectedStatus:          c.ExpectedStatus,
		FollowRedirects:         c.FollowRedirects,
		TLSVerify:               c.TLSVerify,
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

// noteNoCoverage increments a per-service no-coverage counter in Redis.
// After noCoverageThreshold consecutive ticks with zero eligible workers in
// any configured region, a synthetic "undeliverable" down result is injected
// directly onto the results queue so the aggregator still records an outage
// instead of the service silently going stale.
func (d *Dispatcher) noteNoCoverage(ctx context.Context, n nestRow, svc *service.Service) error {
	telemetry.NoCoverageTotal.Inc()
	key := fmt.Sprintf("dispatch:no_coverage:%s", svc.ID)
	count, err := d.rdb.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("incrementing no-coverage counter: %w", err)
	}
	d.rdb.Expire(ctx, key, noCoverageKeyTTL)

	if count < noCoverageThreshold {
		return nil
	}

	result := task.Result{
		ResultID:  uuid.NewString(),
		TaskID:    uuid.NewString(),
		ServiceID: svc.ID.String(),
		NestID:    n.id.String(),
		WorkerID:  "",
		Region:    "",
		StartedAt: time.Now().UTC(),
		Status:    "down",
		Error:     &task.ResultError{Kind: "undeliverable", Detail: "no eligible worker found in any configured region"},
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshalling synthetic result: %w", err)
	}
	if err := d.bus.PublishResult(ctx, body); err != nil {
		return fmt.Errorf("publishing synthetic result: %w", err)
	}
	d.rdb.Del(ctx, key)
	return nil
}

func (d *Dispatcher) resetNoCoverage(ctx context.Context, serviceID uuid.UUID) {
	d.rdb.Del(ctx, fmt.Sprintf("dispatch:no_coverage:%s", serviceID))
}
