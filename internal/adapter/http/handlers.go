package http

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/couchcryptid/eews-aggregator/internal/auth"
	"github.com/couchcryptid/eews-aggregator/internal/domain"
	"github.com/couchcryptid/eews-aggregator/internal/eews"
)

type handlers struct {
	svc    Service
	auth   Authenticator
	logger *slog.Logger
}

type userView struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (h *handlers) timestamp() string {
	return h.svc.Now().UTC().Format(time.RFC3339Nano)
}

func (h *handlers) fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"status":           "error",
		"msg":              msg,
		"server_timestamp": h.timestamp(),
	})
}

// failErr maps validation errors to 400 and anything else to 500.
func (h *handlers) failErr(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, domain.ErrValidation) {
		h.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Error("request failed", "path", r.URL.Path, "error", err)
	h.fail(w, http.StatusInternalServerError, err.Error())
}

func (h *handlers) ingest(w http.ResponseWriter, r *http.Request) {
	fields, err := requestFields(w, r)
	if err != nil {
		h.failErr(w, r, err)
		return
	}
	stored, err := h.svc.IngestFields(r.Context(), eews.SourceHTTP, fields)
	if err != nil {
		h.failErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"stored": stored,
	})
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	fields, err := requestFields(w, r)
	if err != nil {
		h.failErr(w, r, err)
		return
	}
	reg, err := domain.ParseRegistration(fields)
	if err != nil {
		h.failErr(w, r, err)
		return
	}
	saved, err := h.svc.Register(r.Context(), reg)
	if err != nil {
		h.failErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "success",
		"device":           saved,
		"server_timestamp": h.timestamp(),
	})
}

func (h *handlers) devices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"devices": h.svc.Devices(r.Context()),
	})
}

func (h *handlers) devicesList(w http.ResponseWriter, r *http.Request) {
	regs, err := h.svc.DevicesList(r.Context())
	if err != nil {
		h.failErr(w, r, err)
		return
	}
	if regs == nil {
		regs = []domain.Registration{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "success",
		"total_devices":    len(regs),
		"devices":          regs,
		"server_timestamp": h.timestamp(),
	})
}

func (h *handlers) warning(w http.ResponseWriter, r *http.Request) {
	v := h.svc.Detect(r.Context())
	body := map[string]any{
		"status":           "success",
		"server_timestamp": h.timestamp(),
		"warning":          v.Warning,
		"message":          v.Message,
	}
	if v.Warning {
		body["location"] = v.Location
		body["device_count"] = v.DeviceCount
		body["devices"] = v.Devices
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	fields, err := requestFields(w, r)
	if err != nil {
		h.failErr(w, r, err)
		return
	}
	remember, _ := strconv.ParseBool(fields["remember"])

	session, err := h.auth.Login(fields["username"], fields["password"], remember)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"status":           "error",
			"message":          err.Error(),
			"server_timestamp": h.timestamp(),
		})
		return
	case err != nil:
		h.logger.Error("login failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":           "error",
			"message":          fmt.Sprintf("Login failed: %v", err),
			"server_timestamp": h.timestamp(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"token":            session.Token,
		"user":             userView{Username: session.Username, Role: session.Role},
		"server_timestamp": h.timestamp(),
	})
}

func (h *handlers) verify(w http.ResponseWriter, r *http.Request) {
	token, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err == nil {
		var claims *auth.Claims
		claims, err = h.auth.Verify(token)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"status":           "success",
				"user":             userView{Username: claims.Username, Role: claims.Role},
				"server_timestamp": h.timestamp(),
			})
			return
		}
	}
	h.fail(w, http.StatusUnauthorized, err.Error())
}
