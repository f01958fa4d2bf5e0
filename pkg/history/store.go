// Package history is the narrow boundary to the conversation persistence
// store. The delivery subsystem only appends transcript entries best-effort;
// it never owns durable chat storage.
package history

import "context"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Store interface {
	AppendMessage(ctx context.Context, conversationID, userID string, role Role, content string) error
	Close() error
}

// NopStore discards everything. The default when no store is configured.
type NopStore struct{}

func (NopStore) AppendMessage(context.Context, string, string, Role, string) error { return nil }
func (NopStore) Close() error                                                      { return nil }
