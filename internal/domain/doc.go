// Package domain models the readings, registrations, and warning verdicts of
// the earthquake early-warning system.
//
// # Readings
//
// Each sensing device periodically reports one accelerometer sample:
//
//	device_id         opaque identifier, required
//	x_axis, y_axis,   signed acceleration components in g, optional
//	z_axis
//	g_force           magnitude of the acceleration vector in g, optional
//	device_timestamp  device clock, untrusted and kept for diagnostics only
//
// Optional fields that a device did not send stay absent (nil) rather than
// zero, so "no data" is never confused with "no shaking". Non-numeric and
// non-finite values are treated as absent, matching how devices with partial
// sensor failures report.
//
// The server stamps every accepted reading with its own receipt time
// (server_timestamp). Only that timestamp drives expiry.
//
// # Registrations
//
// A device registers once with its coordinates and an auth seed. The
// coordinates are reverse geocoded into a coarse place label (city, town,
// village, hamlet, municipality, then state) which becomes the device's
// location for correlation. A device whose place cannot be resolved is
// labelled [UnknownLocation] and never contributes to a warning.
//
// # Verdicts
//
// A [Verdict] is derived on demand from the live readings and the registry.
// It is never cached; every detection call recomputes it.
package domain
