// Package region maintains the static region catalogue and derives a
// live "regions view" from the worker fleet's reported locations
//).
package region

import "math"

// Region is a point in the static catalogue: a well-known probing location
// workers can declare or be assigned to on registration.
type Region struct {
	ID               string   `json:"id"`
	Continent        string   `json:"continent"`
	Country          string   `json:"country"`
	City             string   `json:"city"`
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	CapabilityFlags  []string `json:"capability_flags"`
}

// catalogue is the fixed set of regions GuardAnt recognises out of the box.
// Dynamically-discovered worker locations that don't match an entry here
// still participate in routing, grouped by city+country in BuildViews.
var catalogue = []Region{
	{ID: "eu-central-1", Continent: "EU", Country: "DE", City: "Frankfurt", Latitude: 50.1109, Longitude: 8.6821, CapabilityFlags: []string{"icmp", "ipv6"}},
	{ID: "eu-west-1", Continent: "EU", Country: "IE", City: "Dublin", Latitude: 53.3498, Longitude: -6.2603, CapabilityFlags: []string{"icmp", "ipv6"}},
	{ID: "us-east-1", Continent: "NA", Country: "US", City: "Ashburn", Latitude: 39.0438, Longitude: -77.4874, CapabilityFlags: []string{"icmp", "ipv6"}},
	{ID: "us-west-1", Continent: "NA", Country: "US", City: "San Francisco", Latitude: 37.7749, Longitude: -122.4194, CapabilityFlags: []string{"icmp"}},
	{ID: "ap-southeast-1", Continent: "AS", Country: "SG", City: "Singapore", Latitude: 1.3521, Longitude: 103.8198, CapabilityFlags: []string{"icmp", "ipv6"}},
	{ID: "ap-northeast-1", Continent: "AS", Country: "JP", City: "Tokyo", Latitude: 35.6895, Longitude: 139.6917, CapabilityFlags: []string{"icmp"}},
	{ID: "sa-east-1", Continent: "SA", Country: "BR", City: "Sao Paulo", Latitude: -23.5505, Longitude: -46.6333, CapabilityFlags: []string{"icmp"}},
	{ID: "af-south-1", Continent: "AF", Country: "ZA", City: "Cape Town", Latitude: -33.9249, Longitude: 18.4241, CapabilityFlags: []string{}},
}

// Catalogue returns the static region list.
func Catalogue() []Region {
	out := make([]Region, len(catalogue))
	copy(out, catalogue)
	return out
}

// Lookup finds a catalogue entry by ID.
func Lookup(id string) (Region, bool) {
	for _, r := range catalogue {
		if r.ID == id {
			return r, true
		}
	}
	return Region{}, false
}

// HaversineKm returns the great-circle distance in kilometres between two
// coordinates. Used by the dispatcher's "closest" region strategy and the
// worker-selection proximity score.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// NearestN returns the IDs of the up to n catalogue regions closest to
// (lat, lon), ordered nearest-first. Used by the dispatcher's "closest"
// region-selection strategy.
func NearestN(lat, lon float64, n int) []string {
	type scored struct {
		id   string
		dist float64
	}
	scores := make([]scored, len(catalogue))
	for i, r := range catalogue {
		scores[i] = scored{id: r.ID, dist: HaversineKm(lat, lon, r.Latitude, r.Longitude)}
	}
	for i := 1; i < len(scores); i++ {
		for j := i; j > 0 && scores[j].dist < scores[j-1].dist; j-- {
			scores[j], scores[j-1] = scores[j-1], scores[j]
		}
	}
	if n > len(scores) {
		n = len(scores)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = scores[i].id
	}
	return out
}

// WorkerSample is the minimal per-worker input BuildViews needs. Callers
// (pkg/registry) build these from heartbeat + registration records without
// this package importing registry, avoiding a dependency cycle.
type WorkerSample struct {
	WorkerID string
	City     string
	Country  string
	Active   bool // now - last_seen < 60s
	AvgRTTMs float64
}

// View is the derived, live region summary returned by regions_view().
type View struct {
	RegionID     string  `json:"region_id"`
	DisplayName  string  `json:"display_name"`
	WorkerCount  int     `json:"worker_count"`
	ActiveCount  int     `json:"active_count"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	UptimePct    float64 `json:"uptime_pct"`
}

// BuildViews groups worker samples by location (city+country) and produces
// one View per group, sorted by display name for deterministic output.
func BuildViews(samples []WorkerSample) []View {
	type group struct {
		displayName string
		total       int
		active      int
		rttSum      float64
		rttCount    int
	}

	groups := make(map[string]*group)
	order := make([]string, 0)

	for _, s := range samples {
		key := s.City + "|" + s.Country
		g, ok := groups[key]
		if !ok {
			g = &group{displayName: s.City + ", " + s.Country}
			groups[key] = g
			order = append(order, key)
		}
		g.total++
		if s.Active {
			g.active++
			g.rttSum += s.AvgRTTMs
			g.rttCount++
		}
	}

	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && groups[order[j]].displayName < groups[order[j-1]].displayName; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}

	views := make([]View, 0, len(order))
	for _, key := range order {
		g := groups[key]
		view := View{
			RegionID:    slugify(g.displayName),
			DisplayName: g.displayName,
			WorkerCount: g.total,
			ActiveCount: g.active,
		}
		if g.rttCount > 0 {
			view.AvgLatencyMs = g.rttSum / float64(g.rttCount)
		}
		if g.total > 0 {
			view.UptimePct = 100 * float64(g.active) / float64(g.total)
		}
		views = append(views, view)
	}
	return views
}

func slugify(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+32)
		case r == ' ' || r == ',':
			if len(out) > 0 && out[len(out)-1] != '-' {
				out = append(out, '-')
			}
		}
	}
	for len(out) > 0 && out[len(out)-1] == '-' {
		out = out[:len(out)-1]
	}
	return string(out)
}
