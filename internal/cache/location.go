package cache

import (
	"fmt"
	"math"
	"time"
)

// earthRadiusMeters is the mean Earth radius used by the haversine formula.
const earthRadiusMeters = 6371000

// Coordinate is a WGS84 latitude/longitude pair.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// locationKey formats a coordinate as the "lat,lon" raw key. Six decimal
// places keep keys stable down to roughly 0.1 m.
func locationKey(c Coordinate) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// parseLocationKey is the inverse of locationKey.
func parseLocationKey(raw string) (Coordinate, bool) {
	var c Coordinate
	if _, err := fmt.Sscanf(raw, "%f,%f", &c.Lat, &c.Lon); err != nil {
		return Coordinate{}, false
	}
	return c, true
}

// distanceMeters computes the geodesic (haversine) distance between two
// coordinates.
func distanceMeters(a, b Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// CacheLocation stores a place name keyed by its coordinate in the
// locations namespace.
func (m *Manager) CacheLocation(name string, coord Coordinate) {
	m.Set(locationKey(coord), name, NamespaceLocations, 0)
}

// GetCachedLocation returns a cached place name near the query coordinate.
// This is a nearest-neighbor-by-threshold lookup, not an exact key match: an
// exact-key hit is taken first, otherwise the locations index is scanned
// linearly and the nearest live entry within radiusMeters wins. A radius of
// zero or less uses the configured default.
func (m *Manager) GetCachedLocation(coord Coordinate, radiusMeters float64) (string, bool) {
	if radiusMeters <= 0 {
		radiusMeters = m.cfg.LocationRadiusMeters
	}

	if name, ok := Get[string](m, locationKey(coord), NamespaceLocations); ok {
		return name, true
	}

	now := time.Now()

	m.diskMu.Lock()
	metas := m.disk.metadataSnapshot(NamespaceLocations)
	m.diskMu.Unlock()

	bestKey := ""
	bestDist := radiusMeters
	for i := range metas {
		if metas[i].Expired(now) {
			continue
		}
		_, raw := splitKey(metas[i].Key)
		candidate, ok := parseLocationKey(raw)
		if !ok {
			continue
		}
		if d := distanceMeters(coord, candidate); d <= bestDist {
			bestDist = d
			bestKey = raw
		}
	}

	if bestKey == "" {
		return "", false
	}
	return Get[string](m, bestKey, NamespaceLocations)
}
