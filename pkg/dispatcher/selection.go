package dispatcher

import (
	"context"
	"sort"

	"github.com/guardant/guardant/pkg/region"
	"github.com/guardant/guardant/pkg/registry"
)

const (
	weightHeadroom  = 1.0
	weightTagMatch  = 10.0
	weightProximity = 1.0
	weightLoad      = 1.0

	livenessWindow = 60 // seconds, mirrors registry's own liveness rule
)

// candidate is a worker scored against one service's requirements in one region.
type candidate struct {
	workerID string
	score    float64
}

// selectRegions orders the regions a service should be probed from this tick,
// according to its configured strategy. "closest" and
// "failover" both degrade to the service's configured region list when no
// worker geolocation anchor is available; round_robin rotates through the
// full configured list using the tick counter so every region gets equal
// share over time.
func selectRegions(strategy string, configured []string, tick uint64) []string {
	if len(configured) == 0 {
		return nil
	}
	switch strategy {
	case "round_robin":
		offset := int(tick % uint64(len(configured)))
		out := make([]string, len(configured))
		copy(out, configured[offset:])
		copy(out[len(configured)-offset:], configured[:offset])
		return out
	default: // "closest", "failover": try in configured order, first with coverage wins
		out := make([]string, len(configured))
		copy(out, configured)
		return out
	}
}

// scoreWorkers ranks the approved, live workers eligible for regionID against
// a service's required capability tags, returning candidates best-first.
// Scoring formula:
//
//	capacity_headroom*1.0 + tag_match_count*10 + proximity*1.0 - load*1.0
//
// where proximity = max(0, 100 - distance_km/100) and load/headroom are
// derived from the worker's most recent heartbeat. Ties break on the
// lexicographically smallest worker ID for determinism.
func scoreWorkers(ctx context.Context, reg *registry.Registry, regionID string, requiredTags []string, regs []registry.Registration) []candidate {
	target, hasTarget := region.Lookup(regionID)

	out := make([]candidate, 0, len(regs))
	for _, r := range regs {
		if r.Status != registry.StatusApproved {
			continue
		}

		hb, ok, err := reg.GetHeartbeat(ctx, r.WorkerID)
		if err != nil || !ok {
			continue
		}
		if hb.Degraded {
			continue
		}

		score := 0.0

		headroom := 1.0
		if hb.Capacity > 0 {
			headroom = float64(hb.Capacity-hb.InFlight) / float64(hb.Capacity)
			if headroom < 0 {
				headroom = 0
			}
		}
		score += weightHeadroom * headroom

		score += weightTagMatch * float64(tagMatches(requiredTags, r.Capabilities))

		if hasTarget {
			dist := region.HaversineKm(target.Latitude, target.Longitude, r.Latitude, r.Longitude)
			proximity := 100 - dist/100
			if proximity < 0 {
				proximity = 0
			}
			score += weightProximity * proximity
		}

		load := 0.0
		if hb.Capacity > 0 {
			load = float64(hb.InFlight) / float64(hb.Capacity)
		}
		score -= weightLoad * load

		out = append(out, candidate{workerID: r.WorkerID, score: score})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].workerID < out[j].workerID
	})
	return out
}

func tagMatches(required, have []string) int {
	haveSet := make(map[string]bool, len(have))
	for _, t := range have {
		haveSet[t] = true
	}
	n := 0
	for _, t := range required {
		if haveSet[t] {
			n++
		}
	}
	return n
}
