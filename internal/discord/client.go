package discord

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/tbourn/go-updates-feed/internal/grouping"
	"github.com/tbourn/go-updates-feed/internal/ingest"
)

// maxPage is the largest page the messages endpoint returns.
const maxPage = 100

// Client reads one channel over the REST API. It implements
// ingest.MessageSource and resolves channel names for link rewriting.
type Client struct {
	Session   Session
	ChannelID string
}

// NewClient returns a Client reading channelID through s.
func NewClient(s Session, channelID string) *Client {
	return &Client{Session: s, ChannelID: channelID}
}

// RecentMessages returns up to limit of the newest messages, oldest first.
// Pages of up to 100 are requested backwards until limit is reached or the
// channel runs out.
func (c *Client) RecentMessages(ctx context.Context, limit int) ([]grouping.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var (
		raw    []*discordgo.Message
		before string
	)
	for len(raw) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := min(limit-len(raw), maxPage)
		page, err := c.Session.ChannelMessages(c.ChannelID, n, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("list messages of channel %s: %w", c.ChannelID, err)
		}
		raw = append(raw, page...)
		if len(page) < n {
			break
		}
		before = page[len(page)-1].ID
	}

	out := make([]grouping.Message, 0, len(raw))
	for _, m := range raw {
		out = append(out, ToMessage(m))
	}
	// The API returns newest first.
	slices.Reverse(out)
	return out, nil
}

// Message fetches one message of the channel.
func (c *Client) Message(ctx context.Context, id string) (grouping.Message, error) {
	m, err := c.Session.ChannelMessage(c.ChannelID, id, discordgo.WithContext(ctx))
	if err != nil {
		if isNotFound(err) {
			return grouping.Message{}, ingest.ErrMessageNotFound
		}
		return grouping.Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return ToMessage(m), nil
}

// ChannelName returns the display name of a channel.
func (c *Client) ChannelName(ctx context.Context, channelID string) (string, error) {
	ch, err := c.Session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(ch.Name)
	if name == "" {
		return "", fmt.Errorf("channel %s has no name", channelID)
	}
	return name, nil
}
