// Package grouping folds a chronological stream of chat messages into
// "updates": consecutive messages from the same author inside a time window
// become one logical entry with merged content, attachments, embeds and
// reactions.
//
// The package is pure. It performs no I/O and keeps no state, so the same
// input always yields the same groups. It is shared by the cold-start backfill,
// the live event handlers (single-message merges) and the regroup CLI.
package grouping

import (
	"strings"
	"time"

	"github.com/tbourn/go-updates-feed/internal/domain"
)

const (
	// DefaultWindow is the maximum distance between a group's first message and
	// a later message from the same author for the two to be folded together.
	DefaultWindow = 5 * time.Minute

	// PlaceholderTitle is used when neither the content nor an embed yields a title.
	PlaceholderTitle = "Update"

	contentSeparator = "\n\n"
)

// Author identifies who wrote a message.
type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// Attachment is a remote file referenced by a source message.
type Attachment struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size,omitempty"`
}

// Message is a raw source message as delivered by the event source.
type Message struct {
	ID          string            `json:"id"`
	ChannelID   string            `json:"channel_id"`
	Author      Author            `json:"author"`
	Content     string            `json:"content"`
	Timestamp   time.Time         `json:"timestamp"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Embeds      []domain.Embed    `json:"embeds,omitempty"`
	Reactions   []domain.Reaction `json:"reactions,omitempty"`
}

// IsEmpty reports whether the message carries nothing user-visible.
func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 && len(m.Embeds) == 0
}

// Group is a run of messages folded into one update.
type Group struct {
	// ID is the first message's id; it becomes the update's primary source id.
	ID          string            `json:"id"`
	ChannelID   string            `json:"channel_id"`
	Author      Author            `json:"author"`
	Content     string            `json:"content"`
	Timestamp   time.Time         `json:"timestamp"`
	SourceIDs   []string          `json:"source_ids"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Embeds      []domain.Embed    `json:"embeds,omitempty"`
	Reactions   []domain.Reaction `json:"reactions,omitempty"`

	// MessageReactions keeps each source message's own reactions by id.
	MessageReactions map[string][]domain.Reaction `json:"-"`
}

// ReactionsOf sums the reactions of the listed source messages. Ids that are
// not part of g contribute nothing.
func (g Group) ReactionsOf(ids []string) []domain.Reaction {
	out := []domain.Reaction{}
	for _, id := range ids {
		out = MergeReactions(out, g.MessageReactions[id])
	}
	return out
}

// Headline derives the group's title and body from its merged content.
func (g Group) Headline() (title, body string) {
	return SplitTitle(g.Content, g.Embeds)
}

// Accepts reports whether m may be folded into g under window.
func (g *Group) Accepts(m Message, window time.Duration) bool {
	return g.Author.ID == m.Author.ID && m.Timestamp.Sub(g.Timestamp) < window
}

// Add folds m into g.
func (g *Group) Add(m Message) {
	g.Content = JoinContent(g.Content, m.Content)
	g.Attachments = append(g.Attachments, m.Attachments...)
	g.Embeds = append(g.Embeds, m.Embeds...)
	g.Reactions = MergeReactions(g.Reactions, m.Reactions)
	g.SourceIDs = append(g.SourceIDs, m.ID)
	if g.MessageReactions == nil {
		g.MessageReactions = make(map[string][]domain.Reaction)
	}
	g.MessageReactions[m.ID] = MergeReactions(g.MessageReactions[m.ID], m.Reactions)
}

// Open starts a new group from m.
func Open(m Message) Group {
	g := Group{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Author:    m.Author,
		Content:   strings.TrimSpace(m.Content),
		Timestamp: m.Timestamp,
		SourceIDs: []string{m.ID},
	}
	g.MessageReactions = map[string][]domain.Reaction{m.ID: MergeReactions(nil, m.Reactions)}
	g.Attachments = append(g.Attachments, m.Attachments...)
	g.Embeds = append(g.Embeds, m.Embeds...)
	g.Reactions = MergeReactions(nil, m.Reactions)
	return g
}

// Fold groups msgs (oldest first) into updates. A message joins the open
// group when it has the same author and was sent less than window after the
// group's first message; otherwise the open group is closed and a new one
// started. Messages with no content, attachments or embeds are skipped.
func Fold(msgs []Message, window time.Duration) []Group {
	if window <= 0 {
		window = DefaultWindow
	}
	var (
		out  []Group
		open *Group
	)
	for _, m := range msgs {
		if m.IsEmpty() {
			continue
		}
		if open != nil && open.Accepts(m, window) {
			open.Add(m)
			continue
		}
		if open != nil {
			out = append(out, *open)
		}
		g := Open(m)
		open = &g
	}
	if open != nil {
		out = append(out, *open)
	}
	return out
}

// JoinContent concatenates two content blocks with a blank line. Empty
// blocks contribute nothing.
func JoinContent(a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + contentSeparator + b
}

// MergeReactions adds src into dst keyed by emoji identity, summing counts.
// The result keeps first-seen order and holds at most one entry per identity.
// dst is not modified.
func MergeReactions(dst, src []domain.Reaction) []domain.Reaction {
	out := make([]domain.Reaction, 0, len(dst)+len(src))
	idx := make(map[string]int, len(dst)+len(src))
	for _, list := range [][]domain.Reaction{dst, src} {
		for _, r := range list {
			k := r.Key()
			if i, ok := idx[k]; ok {
				out[i].Count += r.Count
				continue
			}
			idx[k] = len(out)
			out = append(out, r)
		}
	}
	return out
}

// SplitTitle applies the heading rule to content. A first line starting with
// a markdown heading ("# ") or bold marker ("**") becomes the title with its
// markers stripped, the rest becomes the body. Otherwise the first embed with
// a title supplies it and its description is prepended to the body. Failing
// both, the title is PlaceholderTitle.
func SplitTitle(content string, embeds []domain.Embed) (title, body string) {
	content = strings.TrimSpace(strings.ReplaceAll(content, "\r\n", "\n"))
	first, rest, _ := strings.Cut(content, "\n")
	if t, ok := stripHeading(first); ok && t != "" {
		return t, strings.TrimSpace(rest)
	}
	for _, e := range embeds {
		if t := strings.TrimSpace(e.Title); t != "" {
			return t, JoinContent(e.Description, content)
		}
	}
	return PlaceholderTitle, content
}

// stripHeading removes a leading heading or bold marker from line. A
// heading is one to six '#' followed by a space; a bold marker loses its
// first closing "**" wherever it sits.
func stripHeading(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if rest := strings.TrimLeft(line, "#"); rest != line {
		n := len(line) - len(rest)
		if n > 6 || (rest != "" && rest[0] != ' ' && rest[0] != '\t') {
			return "", false
		}
		return strings.TrimSpace(rest), true
	}
	if rest, ok := strings.CutPrefix(line, "**"); ok {
		return strings.TrimSpace(strings.Replace(rest, "**", "", 1)), true
	}
	return "", false
}
