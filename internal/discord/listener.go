package discord

import (
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-updates-feed/internal/grouping"
	"github.com/tbourn/go-updates-feed/internal/ingest"
)

// Dispatcher accepts live events. *ingest.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ev ingest.Event) bool
}

// Listener translates gateway events of one channel into ingest events.
type Listener struct {
	ChannelID  string
	Dispatcher Dispatcher
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// Attach registers the listener's gateway handlers on s and returns a func
// removing them.
func (l *Listener) Attach(s Session) (detach func()) {
	removers := []func(){
		s.AddHandler(l.onCreate),
		s.AddHandler(l.onUpdate),
		s.AddHandler(l.onDelete),
		s.AddHandler(l.onReactionAdd),
		s.AddHandler(l.onReactionRemove),
	}
	return func() {
		for _, r := range removers {
			r()
		}
	}
}

func (l *Listener) onCreate(_ *discordgo.Session, e *discordgo.MessageCreate) {
	if e == nil || e.Message == nil {
		return
	}
	m := ToMessage(e.Message)
	l.dispatch(ingest.MessageCreate, e.ChannelID, e.ID, &m)
}

// Update payloads can be partial; the handler re-fetches the message.
func (l *Listener) onUpdate(_ *discordgo.Session, e *discordgo.MessageUpdate) {
	if e == nil || e.Message == nil {
		return
	}
	l.dispatch(ingest.MessageUpdate, e.ChannelID, e.ID, nil)
}

func (l *Listener) onDelete(_ *discordgo.Session, e *discordgo.MessageDelete) {
	if e == nil || e.Message == nil {
		return
	}
	l.dispatch(ingest.MessageDelete, e.ChannelID, e.ID, nil)
}

func (l *Listener) onReactionAdd(_ *discordgo.Session, e *discordgo.MessageReactionAdd) {
	if e == nil || e.MessageReaction == nil {
		return
	}
	l.dispatch(ingest.ReactionAdd, e.ChannelID, e.MessageID, nil)
}

func (l *Listener) onReactionRemove(_ *discordgo.Session, e *discordgo.MessageReactionRemove) {
	if e == nil || e.MessageReaction == nil {
		return
	}
	l.dispatch(ingest.ReactionRemove, e.ChannelID, e.MessageID, nil)
}

func (l *Listener) dispatch(t ingest.EventType, channelID, messageID string, m *grouping.Message) {
	if channelID != l.ChannelID || messageID == "" {
		return
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	ev := ingest.Event{
		Type:       t,
		ChannelID:  channelID,
		MessageID:  messageID,
		Message:    m,
		ReceivedAt: now().UTC(),
	}
	if !l.Dispatcher.Dispatch(ev) {
		log.Warn().Str("type", string(t)).Str("message_id", messageID).Msg("event dropped, dispatcher closed")
	}
}
