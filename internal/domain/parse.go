package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Fields is a flat set of request values gathered from a query string, a
// form body, a JSON body, or an MQTT payload.
type Fields map[string]string

// Merge copies every key of other that is not already set.
func (f Fields) Merge(other Fields) {
	for k, v := range other {
		if _, ok := f[k]; !ok {
			f[k] = v
		}
	}
}

// FieldsFromJSON flattens a JSON object into Fields. Numbers keep their
// literal text, booleans become "true"/"false", and null or nested values
// are dropped.
func FieldsFromJSON(data []byte) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("invalid JSON body: %v", err)}
	}

	fields := make(Fields, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case json.Number:
			fields[k] = val.String()
		case bool:
			fields[k] = strconv.FormatBool(val)
		}
	}
	return fields, nil
}

// ParseReading builds a Reading from request fields. Only device_id is
// required; optional numeric fields that are missing or unparsable are
// recorded as absent.
func ParseReading(f Fields) (Reading, error) {
	id := strings.TrimSpace(f["device_id"])
	if id == "" {
		return Reading{}, missingField("device_id")
	}

	r := Reading{
		DeviceID: id,
		XAxis:    parseOptionalFloat(f["x_axis"]),
		YAxis:    parseOptionalFloat(f["y_axis"]),
		ZAxis:    parseOptionalFloat(f["z_axis"]),
		GForce:   parseOptionalFloat(f["g_force"]),
	}
	if ts, ok := f["device_timestamp"]; ok && ts != "" {
		r.DeviceTimestamp = &ts
	}
	return r, nil
}

// ParseRegistration builds a Registration from request fields. device_id
// and auth_seed are required; coordinates are optional and kept as sent,
// even when out of range. Location and RegisteredAt are left for the
// registering service to fill.
func ParseRegistration(f Fields) (Registration, error) {
	id := strings.TrimSpace(f["device_id"])
	seed := f["auth_seed"]
	if id == "" || seed == "" {
		return Registration{}, &ValidationError{Msg: "device_id or auth_seed missing"}
	}

	return Registration{
		DeviceID:  id,
		AuthSeed:  seed,
		Latitude:  parseOptionalFloat(f["latitude"]),
		Longitude: parseOptionalFloat(f["longitude"]),
	}, nil
}

// parseOptionalFloat returns nil for empty, unparsable, or non-finite input.
func parseOptionalFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
