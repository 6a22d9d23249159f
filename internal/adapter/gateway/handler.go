package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"golang.org/x/time/rate"

	"coderelay/internal/adapter/workspace"
	"coderelay/internal/domain"
	"coderelay/internal/usecase/chat"
)

// ChatService is the chat surface the gateway drives.
type ChatService interface {
	Send(ctx context.Context, req chat.SendRequest) (*chat.SendResult, error)
	List(ctx context.Context) ([]domain.ChatSessionInfo, error)
	Get(ctx context.Context, id string) (*domain.ChatSession, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) (int, error)
}

// ProcessControl is the subset of the supervisor exposed to clients.
type ProcessControl interface {
	ListLive() []domain.LiveProcess
	SendInput(ctx context.Context, token, text string) error
	Terminate(ctx context.Context, token string) error
}

// ChangeLedger is the subset of the applied-change ledger exposed to clients.
type ChangeLedger interface {
	ListSession() []domain.ChangeSummary
	Get(token string) (domain.AppliedChange, error)
	Revert(ctx context.Context, token string) error
	Accept(ctx context.Context, token string) error
	RevertAll(ctx context.Context) domain.BulkResult
	AcceptAll(ctx context.Context) domain.BulkResult
	ClearSession(ctx context.Context)
}

// FileIndex lists workspace files for @-mention completion.
type FileIndex interface {
	Files(ctx context.Context, root, search string) ([]workspace.FileEntry, error)
}

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Chat      ChatService
	Processes ProcessControl
	Ledger    ChangeLedger
	Index     FileIndex     // can be nil
	Limiter   *rate.Limiter // throttles chat.send; nil = unlimited
	Workspace string        // default workspace root
	Logger    *slog.Logger
}

func (d HandlerDeps) root(requested string) string {
	if requested != "" {
		return requested
	}
	return d.Workspace
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
// Methods that change state go through the server's audit trail.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	register := func(method string, h RPCHandler) {
		if auditedMethods[method] {
			h = s.audited(method, h)
		}
		s.RegisterHandler(method, h)
	}

	register("process.list", processListHandler(deps))
	register("process.input", processInputHandler(deps))
	register("process.kill", processKillHandler(deps))

	register("change.list", changeListHandler(deps))
	register("change.get", changeGetHandler(deps))
	register("change.revert", changeRevertHandler(deps))
	register("change.accept", changeAcceptHandler(deps))
	register("change.revert_all", changeRevertAllHandler(deps))
	register("change.accept_all", changeAcceptAllHandler(deps))
	register("change.clear", changeClearHandler(deps))

	register("chat.send", chatSendHandler(deps))
	register("chat.list", chatListHandler(deps))
	register("chat.get", chatGetHandler(deps))
	register("chat.delete", chatDeleteHandler(deps))
	register("chat.clear", chatClearHandler(deps))

	register("file.content", fileContentHandler(deps))
	if deps.Index != nil {
		register("workspace.files", workspaceFilesHandler(deps))
	}
}

// decode unmarshals payload into req. An empty payload leaves req zeroed.
func decode(method string, payload json.RawMessage, req any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, req); err != nil {
		return domain.NewDomainError(method, domain.ErrRPCInvalidPayload, err.Error())
	}
	return nil
}

func missing(method, field string) error {
	return domain.NewDomainError(method, domain.ErrRPCInvalidPayload, field+" is required")
}

func ok() (json.RawMessage, error) {
	return json.Marshal(map[string]bool{"ok": true})
}

// --- processes ---

type processTokenRequest struct {
	Token string `json:"token"`
}

type processInputRequest struct {
	Token string `json:"token"`
	Text  string `json:"text"`
}

func processListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Processes.ListLive())
	}
}

func processInputHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req processInputRequest
		if err := decode("process.input", payload, &req); err != nil {
			return nil, err
		}
		if req.Token == "" {
			return nil, missing("process.input", "token")
		}
		if err := deps.Processes.SendInput(ctx, req.Token, req.Text); err != nil {
			return nil, err
		}
		return ok()
	}
}

func processKillHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req processTokenRequest
		if err := decode("process.kill", payload, &req); err != nil {
			return nil, err
		}
		if req.Token == "" {
			return nil, missing("process.kill", "token")
		}
		if err := deps.Processes.Terminate(ctx, req.Token); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"killed": true})
	}
}

// --- changes ---

type changeTokenRequest struct {
	Token string `json:"token"`
}

func changeListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Ledger.ListSession())
	}
}

func changeGetHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req changeTokenRequest
		if err := decode("change.get", payload, &req); err != nil {
			return nil, err
		}
		if req.Token == "" {
			return nil, missing("change.get", "token")
		}
		c, err := deps.Ledger.Get(req.Token)
		if err != nil {
			return nil, err
		}
		return json.Marshal(c)
	}
}

// changeActionHandler runs a per-token ledger operation and answers with
// the updated session list.
func changeActionHandler(method string, deps HandlerDeps, action func(ctx context.Context, token string) error) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req changeTokenRequest
		if err := decode(method, payload, &req); err != nil {
			return nil, err
		}
		if req.Token == "" {
			return nil, missing(method, "token")
		}
		if err := action(ctx, req.Token); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"ok": true, "changes": deps.Ledger.ListSession()})
	}
}

func changeRevertHandler(deps HandlerDeps) RPCHandler {
	return changeActionHandler("change.revert", deps, deps.Ledger.Revert)
}

func changeAcceptHandler(deps HandlerDeps) RPCHandler {
	return changeActionHandler("change.accept", deps, deps.Ledger.Accept)
}

func changeRevertAllHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Ledger.RevertAll(ctx))
	}
}

func changeAcceptAllHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Ledger.AcceptAll(ctx))
	}
}

func changeClearHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		deps.Ledger.ClearSession(ctx)
		return ok()
	}
}

// --- chat ---

func chatSendHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req chat.SendRequest
		if err := decode("chat.send", payload, &req); err != nil {
			return nil, err
		}
		if req.Message == "" {
			return nil, missing("chat.send", "message")
		}
		if deps.Limiter != nil && !deps.Limiter.Allow() {
			return nil, domain.NewDomainError("chat.send", domain.ErrRateLimit, "slow down")
		}
		deps.Logger.Info("chat request", "client", client.Name, "session_id", req.SessionID)

		res, err := deps.Chat.Send(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}
}

type chatIDRequest struct {
	ID string `json:"id"`
}

func chatListHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		infos, err := deps.Chat.List(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(infos)
	}
}

func chatGetHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req chatIDRequest
		if err := decode("chat.get", payload, &req); err != nil {
			return nil, err
		}
		if req.ID == "" {
			return nil, missing("chat.get", "id")
		}
		sess, err := deps.Chat.Get(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(sess)
	}
}

func chatDeleteHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req chatIDRequest
		if err := decode("chat.delete", payload, &req); err != nil {
			return nil, err
		}
		if req.ID == "" {
			return nil, missing("chat.delete", "id")
		}
		if err := deps.Chat.Delete(ctx, req.ID); err != nil {
			return nil, err
		}
		return ok()
	}
}

func chatClearHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		n, err := deps.Chat.Clear(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int{"cleared": n})
	}
}

// --- workspace ---

type fileContentRequest struct {
	Path      string `json:"path"`
	Workspace string `json:"workspace,omitempty"`
}

func fileContentHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req fileContentRequest
		if err := decode("file.content", payload, &req); err != nil {
			return nil, err
		}
		if req.Path == "" {
			return nil, missing("file.content", "path")
		}
		fc, err := workspace.ReadContent(deps.root(req.Workspace), req.Path)
		if err != nil {
			return nil, err
		}
		return json.Marshal(fc)
	}
}

type workspaceFilesRequest struct {
	Search    string `json:"search,omitempty"`
	Workspace string `json:"workspace,omitempty"`
}

func workspaceFilesHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req workspaceFilesRequest
		if err := decode("workspace.files", payload, &req); err != nil {
			return nil, err
		}
		files, err := deps.Index.Files(ctx, deps.root(req.Workspace), req.Search)
		if err != nil {
			return nil, err
		}
		return json.Marshal(files)
	}
}
