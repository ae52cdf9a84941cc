package domain

import (
	"context"
	"log/slog"
)

// ResolveLocation reverse geocodes a registration's coordinates into a
// place label. Any failure degrades to UnknownLocation so registration
// still records the raw coordinates.
func ResolveLocation(ctx context.Context, reg Registration, geocoder Geocoder, logger *slog.Logger) string {
	if geocoder == nil || !reg.HasCoordinates() {
		return UnknownLocation
	}
	if !reg.CoordinatesInRange() {
		logger.Warn("coordinates out of range, skipping reverse geocoding",
			"device_id", reg.DeviceID,
			"lat", *reg.Latitude,
			"lon", *reg.Longitude,
		)
		return UnknownLocation
	}

	result, err := geocoder.ReverseGeocode(ctx, *reg.Latitude, *reg.Longitude)
	if err != nil {
		logger.Warn("reverse geocoding failed",
			"device_id", reg.DeviceID,
			"lat", *reg.Latitude,
			"lon", *reg.Longitude,
			"error", err,
		)
		return UnknownLocation
	}
	if result.PlaceName == "" {
		return UnknownLocation
	}
	return result.PlaceName
}
