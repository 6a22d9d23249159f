package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"coderelay/internal/domain"
	"coderelay/internal/usecase/chat"
)

// maxBodyBytes caps REST request bodies.
const maxBodyBytes = 1 << 20

// HealthResponse is the JSON body returned by GET /healthz.
type HealthResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Clients        int    `json:"clients"`
	LiveProcesses  int    `json:"live_processes"`
	PendingChanges int    `json:"pending_changes"`
}

// RegisterRESTHandlers registers the HTTP mirror of the chat, change and
// process RPC methods. /healthz is unauthenticated.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) {
	startTime := time.Now()

	authMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if _, err := s.auth.Authenticate(tokenFromRequest(r)); err != nil {
				s.auditDenied(r)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	s.RegisterHTTPRoute("GET /healthz", healthHandler(s, deps, startTime))
	s.RegisterHTTPRoute("POST /chat", authMiddleware(restChatHandler(deps)))
	s.RegisterHTTPRoute("GET /sessions", authMiddleware(restSessionListHandler(deps)))
	s.RegisterHTTPRoute("GET /sessions/{id}", authMiddleware(restSessionGetHandler(deps)))
	s.RegisterHTTPRoute("DELETE /sessions/{id}", authMiddleware(restSessionDeleteHandler(deps)))
	s.RegisterHTTPRoute("GET /changes", authMiddleware(restChangesHandler(deps)))
	s.RegisterHTTPRoute("GET /processes", authMiddleware(restProcessesHandler(deps)))
}

func healthHandler(s *Server, deps HandlerDeps, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		pending := 0
		for _, c := range deps.Ledger.ListSession() {
			if c.Status == domain.ChangeApplied {
				pending++
			}
		}
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:         "ok",
			UptimeSeconds:  int64(time.Since(startTime).Seconds()),
			Clients:        s.ClientCount(),
			LiveProcesses:  len(deps.Processes.ListLive()),
			PendingChanges: pending,
		})
	}
}

func restChatHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chat.SendRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, domain.NewDomainError("POST /chat", domain.ErrRPCInvalidPayload, err.Error()))
			return
		}
		if req.Message == "" {
			writeError(w, missing("POST /chat", "message"))
			return
		}
		if deps.Limiter != nil && !deps.Limiter.Allow() {
			writeError(w, domain.NewDomainError("POST /chat", domain.ErrRateLimit, "slow down"))
			return
		}
		res, err := deps.Chat.Send(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func restSessionListHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos, err := deps.Chat.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, infos)
	}
}

func restSessionGetHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := deps.Chat.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

func restSessionDeleteHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Chat.Delete(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func restChangesHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, deps.Ledger.ListSession())
	}
}

func restProcessesHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, deps.Processes.ListLive())
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorBody{Error: err.Error(), Code: string(domain.ErrorCodeOf(err))})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrChangeNotFound),
		errors.Is(err, domain.ErrProcessNotFound),
		errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRPCInvalidPayload),
		errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrAuthInvalid):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
