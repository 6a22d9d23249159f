package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"coderelay/internal/domain"
)

// auditedMethods are the RPC methods that change processes, files or
// sessions. Each call is written to the audit log when one is set.
var auditedMethods = map[string]bool{
	"process.input":     true,
	"process.kill":      true,
	"change.revert":     true,
	"change.accept":     true,
	"change.revert_all": true,
	"change.accept_all": true,
	"change.clear":      true,
	"chat.delete":       true,
	"chat.clear":        true,
}

// SetAuditLogger records control actions and rejected connections to a.
// Must be called before Start().
func (s *Server) SetAuditLogger(a domain.AuditLogger) {
	s.audit = a
}

// audited wraps h so that each call is recorded with its outcome.
func (s *Server) audited(method string, h RPCHandler) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		res, err := h(ctx, client, payload)
		if s.audit == nil {
			return res, err
		}
		event := domain.AuditEvent{
			Type:     domain.AuditControl,
			Actor:    clientName(client),
			Action:   method,
			Resource: auditResource(payload),
			Outcome:  domain.AuditOK,
		}
		if err != nil {
			event.Outcome = domain.AuditError
			event.Detail = map[string]string{"error": err.Error()}
		}
		s.writeAudit(ctx, event)
		return res, err
	}
}

func (s *Server) auditDenied(r *http.Request) {
	if s.audit == nil {
		return
	}
	s.writeAudit(r.Context(), domain.AuditEvent{
		Type:     domain.AuditAccessDenied,
		Action:   r.Method + " " + r.URL.Path,
		Resource: r.RemoteAddr,
		Outcome:  domain.AuditError,
	})
}

func (s *Server) writeAudit(ctx context.Context, event domain.AuditEvent) {
	if err := s.audit.Log(ctx, event); err != nil {
		s.logger.Warn("audit write failed", "action", event.Action, "error", err)
	}
}

// auditResource pulls the token or session id out of an RPC payload.
func auditResource(payload json.RawMessage) string {
	var ref struct {
		Token string `json:"token"`
		ID    string `json:"id"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &ref) != nil {
		return ""
	}
	if ref.Token != "" {
		return ref.Token
	}
	return ref.ID
}

func clientName(c *ClientInfo) string {
	if c == nil {
		return ""
	}
	return c.Name
}
