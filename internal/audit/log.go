package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Event names written by the service.
const (
	EventLoginSucceeded   = "auth.login_succeeded"
	EventLoginFailed      = "auth.login_failed"
	EventTenantCreated    = "tenant.created"
	EventTenantUpdated    = "tenant.updated"
	EventTenantDeleted    = "tenant.deleted"
	EventMemberAdded      = "membership.added"
	EventMemberUpdated    = "membership.updated"
	EventMemberRemoved    = "membership.removed"
	EventRoleCreated      = "role.created"
	EventRoleUpdated      = "role.permissions_set"
	EventRoleDeleted      = "role.deleted"
	EventUserCreated      = "user.created"
	EventUserUpdated      = "user.updated"
	EventUserDeleted      = "user.deleted"
	EventGlobalRoleGrant  = "global_role.granted"
	EventGlobalRoleRevoke = "global_role.revoked"
	EventResourceExported = "resource.exported"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
// Callers must not put secrets into fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := logrus.Fields{
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		entry["user_id"] = userID
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	obs.Logger().WithFields(entry).Info(event)
	return nil
}
