// Package detector correlates live readings by location to decide whether
// an earthquake warning should be raised.
package detector

import (
	"fmt"
	"sort"

	"github.com/couchcryptid/eews-aggregator/internal/domain"
)

// Reference values used when no configuration overrides them.
const (
	DefaultThreshold = 1.35
	DefaultQuorum    = 5
)

// NoEarthquakeMessage is the verdict message when no location meets quorum.
const NoEarthquakeMessage = "no earthquake detected"

// Resolver maps a device id to its location label.
type Resolver interface {
	Resolve(deviceID string) string
}

// Detector applies the threshold and quorum rule. It holds no mutable state
// and is safe for concurrent use.
type Detector struct {
	threshold float64
	quorum    int
}

// New creates a Detector. Non-positive arguments fall back to the defaults.
func New(threshold float64, quorum int) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if quorum <= 0 {
		quorum = DefaultQuorum
	}
	return &Detector{threshold: threshold, quorum: quorum}
}

// Threshold returns the g-force a reading must strictly exceed.
func (d *Detector) Threshold() float64 { return d.threshold }

// Quorum returns the number of devices one location needs to warn.
func (d *Detector) Quorum() int { return d.quorum }

// Detect runs one pass over a store snapshot.
//
// Readings with no g-force, a g-force at or below the threshold, or an
// unresolvable location are skipped. The remaining readings are grouped by
// location. When several locations meet quorum, the one with the most
// devices wins, ties broken by the lexicographically smallest location.
// Devices inside a group are ordered by id.
func (d *Detector) Detect(snapshot map[string]domain.Reading, locations Resolver) domain.Verdict {
	groups := make(map[string][]domain.Hit)

	for id, r := range snapshot {
		if r.GForce == nil || *r.GForce <= d.threshold {
			continue
		}
		loc := locations.Resolve(id)
		if loc == "" || loc == domain.UnknownLocation {
			continue
		}
		groups[loc] = append(groups[loc], domain.Hit{
			DeviceID:        id,
			GForce:          *r.GForce,
			ServerTimestamp: r.ServerTimestamp,
		})
	}

	best := ""
	for loc, hits := range groups {
		if len(hits) < d.quorum {
			continue
		}
		if best == "" || len(hits) > len(groups[best]) || (len(hits) == len(groups[best]) && loc < best) {
			best = loc
		}
	}

	if best == "" {
		return domain.Verdict{Warning: false, Message: NoEarthquakeMessage}
	}

	hits := groups[best]
	sort.Slice(hits, func(i, j int) bool { return hits[i].DeviceID < hits[j].DeviceID })

	return domain.Verdict{
		Warning:     true,
		Location:    best,
		DeviceCount: len(hits),
		Devices:     hits,
		Message:     fmt.Sprintf("Earthquake detected in %s", best),
	}
}
