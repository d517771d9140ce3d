package session

import "context"

// Store is the optional durability boundary behind the in-memory registry.
// The manager satisfies all of its contracts without one; when attached,
// session and message writes are mirrored and deletions purge both.
type Store interface {
	Close() error
	SaveSession(ctx context.Context, s ChatSession) error
	GetSession(ctx context.Context, sessionID string) (ChatSession, bool, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]ChatSession, error)
	DeleteSession(ctx context.Context, sessionID string) error
	AppendMessage(ctx context.Context, msg SessionMessage) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]SessionMessage, error)
}
