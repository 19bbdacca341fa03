package cache

import (
	"sort"
	"time"
)

// Priority weighting. Frequency dominates, then recency, then raw age, so a
// frequently-read entry outlives one that is merely recent or merely new.
const (
	frequencyWeight = 0.5
	recencyWeight   = 0.3
	ageWeight       = 0.2

	// frequencySaturation is the access count at which the frequency
	// component maxes out.
	frequencySaturation = 10

	// recencyHorizon is how long the recency component takes to decay to zero.
	recencyHorizon = time.Hour

	// ageHorizon is how long the age component takes to decay to zero.
	ageHorizon = 24 * time.Hour
)

// priorityScore ranks an entry for eviction. Scores fall in [0,1];
// higher means keep longer.
func priorityScore(createdAt, lastAccessedAt time.Time, accessCount int64, now time.Time) float64 {
	frequency := float64(accessCount) / frequencySaturation
	if frequency > 1 {
		frequency = 1
	}

	recency := 1 - now.Sub(lastAccessedAt).Seconds()/recencyHorizon.Seconds()
	if recency < 0 {
		recency = 0
	}

	age := 1 - now.Sub(createdAt).Seconds()/ageHorizon.Seconds()
	if age < 0 {
		age = 0
	}

	return frequency*frequencyWeight + recency*recencyWeight + age*ageWeight
}

// Priority computes the entry's eviction priority at the given instant.
func (m *Metadata) Priority(now time.Time) float64 {
	return priorityScore(m.CreatedAt, m.LastAccessedAt, m.AccessCount, now)
}

// selectVictims returns the lowest-priority entries whose combined stored
// size is at least excess. Both tiers use it identically. The input slice is
// reordered in place.
func selectVictims(metas []Metadata, excess int64, now time.Time) []Metadata {
	if excess <= 0 || len(metas) == 0 {
		return nil
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].Priority(now) < metas[j].Priority(now)
	})

	var freed int64
	for i := range metas {
		freed += metas[i].storedSize()
		if freed >= excess {
			return metas[:i+1]
		}
	}
	return metas
}
