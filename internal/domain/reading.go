package domain

import "time"

// UnknownLocation labels a device whose place could not be resolved.
const UnknownLocation = "Unknown"

// Reading is the latest accelerometer sample of one device.
type Reading struct {
	DeviceID        string    `json:"device_id"`
	XAxis           *float64  `json:"x_axis"`
	YAxis           *float64  `json:"y_axis"`
	ZAxis           *float64  `json:"z_axis"`
	GForce          *float64  `json:"g_force"`
	DeviceTimestamp *string   `json:"device_timestamp"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

// Clone returns a deep copy so callers never share optional field storage.
func (r Reading) Clone() Reading {
	r.XAxis = cloneFloat(r.XAxis)
	r.YAxis = cloneFloat(r.YAxis)
	r.ZAxis = cloneFloat(r.ZAxis)
	r.GForce = cloneFloat(r.GForce)
	if r.DeviceTimestamp != nil {
		s := *r.DeviceTimestamp
		r.DeviceTimestamp = &s
	}
	return r
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Registration is a device's persisted registry record.
type Registration struct {
	DeviceID     string    `json:"device_id"`
	AuthSeed     string    `json:"auth_seed"`
	Latitude     *float64  `json:"latitude"`
	Longitude    *float64  `json:"longitude"`
	Location     string    `json:"location"`
	RegisteredAt time.Time `json:"registered_at"`
}

// HasCoordinates reports whether both coordinates were supplied.
func (r Registration) HasCoordinates() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// CoordinatesInRange reports whether both coordinates are present and
// within [-90, 90] and [-180, 180].
func (r Registration) CoordinatesInRange() bool {
	return r.HasCoordinates() &&
		*r.Latitude >= -90 && *r.Latitude <= 90 &&
		*r.Longitude >= -180 && *r.Longitude <= 180
}

// Hit is one device contributing to a location group.
type Hit struct {
	DeviceID        string    `json:"device_id"`
	GForce          float64   `json:"g_force"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

// Verdict is the outcome of one detection pass.
type Verdict struct {
	Warning     bool   `json:"warning"`
	Location    string `json:"location,omitempty"`
	DeviceCount int    `json:"device_count,omitempty"`
	Devices     []Hit  `json:"devices,omitempty"`
	Message     string `json:"message"`
}

// SameAs reports whether two verdicts describe the same warning state.
// Device membership inside a warning is ignored so a changing set of
// contributing devices does not count as a new event.
func (v Verdict) SameAs(other Verdict) bool {
	return v.Warning == other.Warning && v.Location == other.Location
}

// Alert states published on warning transitions.
const (
	AlertRaised  = "raised"
	AlertCleared = "cleared"
)

// Alert is published whenever the warning state changes.
type Alert struct {
	State    string    `json:"state"`
	Verdict  Verdict   `json:"verdict"`
	Location string    `json:"location,omitempty"`
	RaisedAt time.Time `json:"raised_at"`
}
