package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	httpadapter "github.com/couchcryptid/eews-aggregator/internal/adapter/http"
	"github.com/couchcryptid/eews-aggregator/internal/auth"
	"github.com/couchcryptid/eews-aggregator/internal/detector"
	"github.com/couchcryptid/eews-aggregator/internal/directory"
	"github.com/couchcryptid/eews-aggregator/internal/domain"
	"github.com/couchcryptid/eews-aggregator/internal/eews"
	"github.com/couchcryptid/eews-aggregator/internal/observability"
	"github.com/couchcryptid/eews-aggregator/internal/registry"
	"github.com/couchcryptid/eews-aggregator/internal/store"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiPrefix = "/pipeline/eews"

type stubGeocoder struct{ place string }

func (s stubGeocoder) ReverseGeocode(_ context.Context, _, _ float64) (domain.GeocodingResult, error) {
	return domain.GeocodingResult{PlaceName: s.place}, nil
}

type testAPI struct {
	server  *httpadapter.Server
	clock   *clockwork.FakeClock
	metrics *observability.Metrics
}

func newTestAPI(t *testing.T, ready sharedobs.ReadinessChecker) testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	metrics := observability.NewMetricsForTesting()
	dir := t.TempDir()

	svc := eews.New(
		store.New(clock),
		directory.New(registry.NewFile(filepath.Join(dir, "devices.json"), clock), logger, metrics),
		detector.New(detector.DefaultThreshold, detector.DefaultQuorum),
		stubGeocoder{place: "Manila"},
		10*time.Second,
		logger,
		metrics,
	)

	usersPath := filepath.Join(dir, "users.json")
	require.NoError(t, os.WriteFile(usersPath,
		[]byte(`{"admin":{"password":"`+auth.HashPassword("hunter2")+`","role":"admin"}}`), 0o600))
	authn, err := auth.New(usersPath, "test-secret", time.Hour, clock, logger)
	require.NoError(t, err)

	srv := httpadapter.NewServer(":0", apiPrefix, httpadapter.Deps{
		Service: svc,
		Auth:    authn,
		Ready:   ready,
	}, logger)
	return testAPI{server: srv, clock: clock, metrics: metrics}
}

func (a testAPI) do(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	a.server.ServeHTTP(rec, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec.Code, body
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, apiPrefix+path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func formRequest(path string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, apiPrefix+path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestIngest_JSONRoundTrip(t *testing.T) {
	api := newTestAPI(t, &mockReadiness{})

	code, body := api.do(t, jsonRequest(http.MethodPost, "/post",
		`{"device_id":"dev-1","x_axis":0.12,"y_axis":-0.03,"z_axis":0.98,"g_force":1.02,"device_timestamp":"2024-06-01T07:59:59"}`))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["status"])

	stored := body["stored"].(map[string]any)
	assert.Equal(t, "dev-1", stored["device_id"])
	assert.InDelta(t, 1.02, stored["g_force"], 1e-9)

	code, body = api.do(t, httptest.NewRequest(http.MethodGet, apiPrefix+"/devices", nil))
	require.Equal(t, http.StatusOK, code)
	devices := body["devices"].(map[string]any)
	require.Contains(t, devices, "dev-1")

	got := devices["dev-1"].(map[string]any)
	assert.Equal(t, stored, got)
	assert.Equal(t, "2024-06-01T07:59:59", got["device_timestamp"])
	assert.Equal(t, "2024-06-01T08:00:00Z", got["server_timestamp"])
	assert.Equal(t, 1.0, testutil.ToFloat64(api.metrics.ReadingsIngested.WithLabelValues(eews.SourceHTTP)))
}

func TestIngest_FormAndQueryAndAlias(t *testing.T) {
	api := newTestAPI(t, &mockReadiness{})

	code, _ := api.do(t, formRequest("/post", url.Values{"device_id": {"dev-form"}, "g_force": {"1.4"}}))
	require.Equal(t, http.StatusOK, code)

	code, _ = api.do(t, httptest.NewRequest(http.MethodGet, apiPrefix+"/post?device_id=dev-query&g_force=0.9", nil))
	require.Equal(t, http.StatusOK, code)

	code, _ = api.do(t, jsonRequest(http.MethodPost, "/ingest", `{"device_id":"dev-alias"}`))
	require.Equal(t, http.StatusOK, code)

	_, body := api.do(t, httptest.NewRequest(http.MethodGet, apiPrefix+"/devices", nil))
	devices := body["devices"].(map[string]any)
	assert.Len(t, devices, 3)
	assert.Nil(t, devices["dev-alias"].(map[string]any)["g_force"], "absent g_force stays null")
}

func TestIngest_MissingDeviceID(t *testing.T) {
	api := newTestAPI(t, &mockReadiness{})

	code, body := api.do(t, jsonRequest(http.MethodPost, "/post", `{"g_force":2.0}`))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "device_id missing", body["msg"])
}

func TestIngest_InvalidJSON(t *testing.T) {
	api := newTestAPI(t, &mockReadiness{})

	code, body := api.do(t, jsonRequest(http.MethodPost, "/post", `{"device_id":`))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["msg"], "invalid JSON")
}

func TestRegister_AndDevicesList(t *testing.T) {
	api := newTestAPI(t, &mockReadiness{})

	code, body := api.do(t, jsonRequest(http.MethodPost, "/post_device_id",
		`{"device_id":"dev-1","auth_seed":"s3cret","latitude":14.5995,"longitude":120.9842}`))
	require.Equal(t, http.StatusOK, code)
	device := body["device"].(map[string]any)
	assert.Equal(t, "Manila", device["location"])
	assert.Equal(t, "s3cret", device["auth_seed"])
	assert.NotEmpty(t, body["server_timestamp"])

	code, _ = api.do(t, formRequest("/register", url.Values{"device_id": {"dev-2"}, "auth_seed": {"x"}}))
	require.Equal(t, http.StatusOK, code)

	code, body = api.do(t, httptest.NewRequest(http.MethodGet, apiPrefix+"/devices_list", nil))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, body["total_devices"])
	list := body["devices"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, domain.UnknownLocation, list[1].(map[string]any)["location"], "no coordinates, no place")
}

func TestRegister_MissingFields(t *testing.T) {
	api := newTestAPI(t, &mockReadiness{})

	code, body := api.do(t, jsonRequest(http.MethodPost, "/post_device_id", `{"device_id":"dev-1"}`))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "device_id or auth_seed missing", body["msg"])
}

func TestRegister_OutOfRangeCoordinatesRecordedAsUnknown(t *testing.T) {
	api := newTestAPI(t, &mockReadiness{})

	code, body := api.do(t, jsonRequest(http.MethodPost, "/post_device_id",
		`{"device_id":"dev-1","auth_seed":"s3cret","latitude":95.5,"longitude":120.9842}`))
	require.Equal(t, http.StatusOK, code)
	device := body["device"].(map[string]any)
	assert.Equal(t, domain.UnknownLocation, device["location"])
	assert.InDelta(t, 95.5, device["latitude"], 1e-9)
}

func TestDevicesList_Empty(t *testing.T) {
	api := newTestAPI(t, &mockReadiness{})

	code, body := api.do(t, httptest.NewRequest(http.MethodGet, apiPrefix+"/devices_list", nil))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.0, body["total_devices"])
	assert.Equal(t, []any{}, body["devices"])
}

func TestWarning_QuorumAndClear(t *testing.T) {
	api := newTestAPI(t, &mockReadiness{})

	code, body := api.do(t, httptest.NewRequest(http.MethodGet, apiPrefix+"/warning", nil))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["warning"])
	assert.Equal(t, detector.NoEarthquakeMessage, body["message"])
	assert.NotContains(t, body, "location")

	for i := range 5 {
		id := fmt.Sprintf("dev-%d", i)
		code, _ = api.do(t, jsonRequest(http.MethodPost, "/register",
			fmt.Sprintf(`{"device_id":%q,"auth_seed":"s","latitude":14.6,"longitude":120.98}`, id)))
		require.Equal(t, http.StatusOK, code)
		code, _ = api.do(t, jsonRequest(http.MethodPost, "/post", fmt.Sprintf(`{"device_id":%q,"g_force":2.0}`, id)))
		require.Equal(t, http.StatusOK, code)
	}

	code, body = api.do(t, httptest.NewRequest(http.MethodGet, apiPrefix+"/warning", nil))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, true, body["warning"])
	assert.Equal(t, "Manila", body["location"])
	assert.Equal(t, 5.0, body["device_count"])
	assert.Len(t, body["devices"], 5)

	// Readings expire and the warning clears without further input.
	api.clock.Advance(11 * time.Second)
	_, body = api.do(t, httptest.NewRequest(http.MethodGet, apiPrefix+"/warning", nil))
	assert.Equal(t, false, body["warning"])
}

func TestLoginAndVerify(t *testing.T) {
	api := newTestAPI(t, &mockReadiness{})

	code, body := api.do(t, jsonRequest(http.MethodPost, "/login",
		`{"username":"admin","password":"hunter2","remember":true}`))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, map[string]any{"username": "admin", "role": "admin"}, body["user"])
	token := body["token"].(string)

	req := httptest.NewRequest(http.MethodGet, apiPrefix+"/verify", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	code, body = api.do(t, req)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, map[string]any{"username": "admin", "role": "admin"}, body["user"])

	// remember stretches a one hour token to twelve.
	api.clock.Advance(2 * time.Hour)
	code, _ = api.do(t, req)
	assert.Equal(t, http.StatusOK, code)

	api.clock.Advance(11 * time.Hour)
	code, body = api.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Token expired", body["msg"])
}

func TestLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t, &mockReadiness{})

	code, body := api.do(t, jsonRequest(http.MethodPost, "/login", `{"username":"admin","password":"nope"}`))
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "Invalid credentials", body["message"])
}

func TestVerify_Errors(t *testing.T) {
	api := newTestAPI(t, &mockReadiness{})

	code, body := api.do(t, httptest.NewRequest(http.MethodGet, apiPrefix+"/verify", nil))
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Missing token", body["msg"])

	req := httptest.NewRequest(http.MethodGet, apiPrefix+"/verify", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	code, body = api.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Invalid token", body["msg"])
}
