package flow

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/DoseLog/internal/models"
)

// Router is the top-level dispatch for inbound utterances. The priority order
// is fixed and load-bearing: an active capture state always wins over
// free-form chat, otherwise generic text would never reach the state machine.
type Router struct {
	sessions *Manager
	capture  *CaptureFlow
	chat     *ChatFlow
}

// NewRouter creates a router over the capture and chat flows.
func NewRouter(sessions *Manager, capture *CaptureFlow, chat *ChatFlow) *Router {
	slog.Debug("flow.NewRouter: creating router")
	return &Router{sessions: sessions, capture: capture, chat: chat}
}

// Route delivers one inbound utterance for userID and returns the reply to
// send. The session lock is held for the whole interaction, so messages for
// one user are strictly serialized while other users proceed independently.
func (r *Router) Route(ctx context.Context, userID, text string) (string, error) {
	if userID == "" {
		return "", models.ErrEmptyUserID
	}
	sess := r.sessions.GetOrCreate(userID)
	sess.Lock()
	defer sess.Unlock()

	if sess.State.IsAwaiting() {
		slog.Debug("flow.Route: delivering to capture flow", "userID", userID, "state", sess.State)
		return r.capture.ProcessResponse(ctx, sess, text)
	}

	slog.Debug("flow.Route: delivering to chat flow", "userID", userID)
	return r.chat.Respond(ctx, sess, text), nil
}

// Sessions exposes the session manager for command handling.
func (r *Router) Sessions() *Manager {
	return r.sessions
}
