package types

import "context"

// SessionContext provides current session information for tools.
type SessionContext struct {
	SessionID    string // Active session ID, empty without memory
	CheckpointID string // Checkpoint of the running turn, if any
}

// sessionContextKey is used to store SessionContext in context.Context
type sessionContextKey struct{}

// WithSessionContext adds session context to a context.Context
func WithSessionContext(ctx context.Context, sc *SessionContext) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sc)
}

// GetSessionContext extracts session context from context.Context
func GetSessionContext(ctx context.Context) *SessionContext {
	if sc, ok := ctx.Value(sessionContextKey{}).(*SessionContext); ok {
		return sc
	}
	return nil
}
