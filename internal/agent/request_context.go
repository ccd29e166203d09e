package agent

import (
	"context"
	"log/slog"
)

// RequestContext is the single scoped value carrier bound at the root of
// each prompt-handling flow (C7). It is propagated via context.Context to
// every component that needs it (C3-C5) without threading its fields
// through every function signature, and is immutable once set for a given
// prompt except for Cancel, which is one-shot.
//
// This consolidates the teacher's many independent context keys
// (systemPromptKey, sessionKey, modelKey, ...) into the one carrier the
// spec calls for; those finer-grained keys remain available for the
// request-scoped overrides C3 itself still needs (system prompt, model,
// tool policy) and are orthogonal to this carrier.
type RequestContext struct {
	ClientSessionID string
	UserID          string
	UserEmail       string
	RepoOwner       string
	RepoName        string
	OrgID           string
	Logger          *slog.Logger
}

type requestContextKey struct{}

// WithRequestContext attaches rc to ctx. Call once at the root of a
// prompt-handling flow; nested calls to C3/C4/C5 read it back via
// RequestContextFromContext rather than receiving it as a parameter.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	if rc == nil {
		return ctx
	}
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFromContext retrieves the carrier attached by
// WithRequestContext, or nil if none is set.
func RequestContextFromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

// LoggerFromContext returns the carrier's logger, tagged with the session
// and request identifiers, or slog.Default() if no carrier is set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	rc := RequestContextFromContext(ctx)
	if rc == nil || rc.Logger == nil {
		return slog.Default()
	}
	logger := rc.Logger
	if rc.ClientSessionID != "" {
		logger = logger.With("session_id", rc.ClientSessionID)
	}
	if rc.UserID != "" {
		logger = logger.With("user_id", rc.UserID)
	}
	return logger
}

// CancelRegistry tracks the one-shot cancel function for each in-flight
// prompt, keyed by userInputId (promptId). cancel-user-input (C6) looks up
// and fires the signal here; it is safe to call Cancel for an id that has
// already finished or been cancelled (idempotent, per SPEC_FULL.md §5).
type CancelRegistry struct {
	mu      chan struct{}
	signals map[string]context.CancelFunc
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{mu: make(chan struct{}, 1), signals: make(map[string]context.CancelFunc)}
}

func (r *CancelRegistry) lock()   { r.mu <- struct{}{} }
func (r *CancelRegistry) unlock() { <-r.mu }

// Register associates promptID with cancel and returns an unregister func
// the caller must invoke when the prompt finishes (success, error, or
// cancellation) to release the entry.
func (r *CancelRegistry) Register(promptID string, cancel context.CancelFunc) (unregister func()) {
	r.lock()
	r.signals[promptID] = cancel
	r.unlock()
	return func() {
		r.lock()
		delete(r.signals, promptID)
		r.unlock()
	}
}

// Cancel fires the cancel signal for promptID, if one is registered. It is
// a no-op (not an error) if promptID is unknown or already cancelled.
func (r *CancelRegistry) Cancel(promptID string) {
	r.lock()
	cancel := r.signals[promptID]
	r.unlock()
	if cancel != nil {
		cancel()
	}
}
