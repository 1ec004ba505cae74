package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medsync/ire/internal/platform/auth"
)

// AuditEntry records who performed an admin operation against the registry,
// when, from where, and against which canonical patient. Operator actions
// (lock, unlock, merge, replay) change matching behavior for every upstream
// system, so each one leaves a trail.
type AuditEntry struct {
	Actor      string
	ActorRoles []string
	Action     string // lock, unlock, merge, reconcile, create, update, delete
	PatientID  string
	IPAddress  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries. The interface decouples the
// middleware from any concrete sink so tests can supply a mock.
type AuditRecorder interface {
	RecordAction(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAction(entry AuditEntry) error {
	return f(entry)
}

// Audit returns middleware that logs mutating requests under /api/admin/.
// Read-only admin traffic (stats, searches) is skipped; the engine's own
// decisions land in the match log, so the audit trail only needs the
// operator-initiated mutations.
//
// If no AuditRecorder is provided the entry is still emitted as a structured
// log line.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !isAuditable(req.Method, path) {
				return next(c)
			}

			// Run the handler first so the response status is known.
			err := next(c)

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				StatusCode: c.Response().Status,
			}

			ctx := req.Context()
			entry.Actor = auth.UserIDFromContext(ctx)
			entry.ActorRoles = auth.RolesFromContext(ctx)

			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			entry.Action = actionFromRequest(req.Method, path)
			entry.PatientID = extractPatientID(path)

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAction(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "admin_audit").
				Str("request_id", entry.RequestID).
				Str("actor", entry.Actor).
				Strs("actor_roles", entry.ActorRoles).
				Str("action", entry.Action).
				Str("patient_id", entry.PatientID).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("admin_action")

			return err
		}
	}
}

// isAuditable reports whether the request is a mutating admin operation.
func isAuditable(method, path string) bool {
	if !strings.HasPrefix(path, "/api/admin/") {
		return false
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// actionFromRequest derives the audit action. Named admin operations use
// their final path segment (lock, unlock, merge, reconcile); anything else
// falls back to the HTTP method.
func actionFromRequest(method, path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) > 0 {
		switch last := segments[len(segments)-1]; last {
		case "lock", "unlock", "merge", "reconcile":
			return last
		}
		// Replay targets carry the raw row ID as the final segment.
		if len(segments) >= 2 && segments[len(segments)-2] == "reconcile" {
			return "reconcile"
		}
	}

	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	}
	return "unknown"
}

// extractPatientID finds the canonical patient ID in admin paths of the form
// /api/admin/patients/<uuid>/....
func extractPatientID(path string) string {
	const prefix = "/api/admin/patients/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	segments := strings.Split(strings.TrimPrefix(path, prefix), "/")
	if len(segments) > 0 && isUUIDLike(segments[0]) {
		return segments[0]
	}
	return ""
}

// isUUIDLike checks if a string parses as a UUID.
func isUUIDLike(s string) bool {
	if len(s) < 1 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
