package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditRegistrationChallenge   AuditEvent = "registration_challenge"
	AuditRegistered              AuditEvent = "credential_registered"
	AuditRegistrationFailure     AuditEvent = "registration_failure"
	AuditAuthenticationChallenge AuditEvent = "authentication_challenge"
	AuditAuthenticated           AuditEvent = "authentication_success"
	AuditAuthenticationFailure   AuditEvent = "authentication_failure"
	AuditReplayDetected          AuditEvent = "replay_detected"
	AuditKeysListed              AuditEvent = "keys_listed"
	AuditKeyDeregistered         AuditEvent = "key_deregistered"
	AuditKeyStatusChanged        AuditEvent = "key_status_changed"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Usernames are logged as-is;
// nonces, key handles, and signatures never are.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logEvent is a convenience for events scoped to a domain and username.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, domainID, username string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("did", domainID),
		slog.String("username", username),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a rejected ceremony with its reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, domainID, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("did", domainID),
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
