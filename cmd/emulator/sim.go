package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

const (
	baselineNoise = 0.05
	restingG      = 1.0
)

// device is one simulated sensor.
type device struct {
	ID        string
	AuthSeed  string
	Latitude  float64
	Longitude float64
}

// sample is one accelerometer reading in the ingest payload shape.
type sample struct {
	DeviceID        string  `json:"device_id"`
	XAxis           float64 `json:"x_axis"`
	YAxis           float64 `json:"y_axis"`
	ZAxis           float64 `json:"z_axis"`
	GForce          float64 `json:"g_force"`
	DeviceTimestamp string  `json:"device_timestamp"`
}

// newDevices scatters n devices within spread degrees of the center.
func newDevices(rng *rand.Rand, n int, lat, lon, spread float64) []device {
	devices := make([]device, n)
	for i := range devices {
		devices[i] = device{
			ID:        fmt.Sprintf("demo-r0-%03d", i+1),
			AuthSeed:  uuid.NewString()[:8],
			Latitude:  round(lat+(rng.Float64()*2-1)*spread, 6),
			Longitude: round(lon+(rng.Float64()*2-1)*spread, 6),
		}
	}
	return devices
}

// shake produces a noisy gravity vector scaled so its magnitude is target g.
func shake(rng *rand.Rand, id string, target float64, now time.Time) sample {
	x := noise(rng)
	y := noise(rng)
	z := restingG + noise(rng)

	if m := magnitude(x, y, z); m > 0 && target > 0 {
		scale := target / m
		x, y, z = x*scale, y*scale, z*scale
	}
	return sample{
		DeviceID:        id,
		XAxis:           round(x, 3),
		YAxis:           round(y, 3),
		ZAxis:           round(z, 3),
		GForce:          round(magnitude(x, y, z), 3),
		DeviceTimestamp: now.UTC().Format(time.RFC3339Nano),
	}
}

// quakeWindow reports whether elapsed falls inside [after, after+duration).
func quakeWindow(elapsed, after, duration time.Duration) bool {
	return duration > 0 && elapsed >= after && elapsed < after+duration
}

func noise(rng *rand.Rand) float64 {
	return (rng.Float64()*2 - 1) * baselineNoise
}

func magnitude(x, y, z float64) float64 {
	return math.Sqrt(x*x + y*y + z*z)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
