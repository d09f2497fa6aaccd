// Package ingest turns live events from the message source into calls on the
// synchronizer. Events are routed through an explicit table of handlers, one
// per event type, and each event runs as its own bounded task.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/tbourn/go-updates-feed/internal/grouping"
)

// EventType names a kind of live event.
type EventType string

const (
	MessageCreate  EventType = "message_create"
	MessageUpdate  EventType = "message_update"
	MessageDelete  EventType = "message_delete"
	ReactionAdd    EventType = "reaction_add"
	ReactionRemove EventType = "reaction_remove"
)

// Event is one live notification. Message is set for creates and may be a
// partial stub for updates; handlers that need the full message re-fetch it.
type Event struct {
	Type       EventType
	ChannelID  string
	MessageID  string
	Message    *grouping.Message
	ReceivedAt time.Time
}

// Key is the ordering key: events with the same key are handled in arrival order.
func (e Event) Key() string {
	if e.ChannelID != "" {
		return e.ChannelID
	}
	return e.MessageID
}

// ErrMessageNotFound is returned by a MessageSource when the message no
// longer exists upstream.
var ErrMessageNotFound = errors.New("source message not found")

// MessageSource is the request/response side of the event source.
type MessageSource interface {
	// RecentMessages returns up to limit of the newest messages of the
	// configured channel, oldest first.
	RecentMessages(ctx context.Context, limit int) ([]grouping.Message, error)
	// Message fetches one message in full, or returns ErrMessageNotFound.
	Message(ctx context.Context, id string) (grouping.Message, error)
}
