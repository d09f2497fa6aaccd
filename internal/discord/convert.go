package discord

import (
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/tbourn/go-updates-feed/internal/domain"
	"github.com/tbourn/go-updates-feed/internal/grouping"
)

// ToMessage converts a gateway or REST message into a grouping.Message.
// A nil message converts to the zero value.
func ToMessage(m *discordgo.Message) grouping.Message {
	if m == nil {
		return grouping.Message{}
	}
	out := grouping.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Author:    toAuthor(m),
		Content:   m.Content,
		Timestamp: m.Timestamp.UTC(),
	}
	for _, a := range m.Attachments {
		if a == nil || a.URL == "" {
			continue
		}
		out.Attachments = append(out.Attachments, grouping.Attachment{
			URL:         a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	for _, e := range m.Embeds {
		if e == nil {
			continue
		}
		emb := domain.Embed{
			Title:       e.Title,
			Description: e.Description,
			URL:         e.URL,
			Color:       e.Color,
		}
		if e.Image != nil {
			emb.ImageURL = e.Image.URL
		}
		if e.Thumbnail != nil {
			emb.ThumbnailURL = e.Thumbnail.URL
		}
		out.Embeds = append(out.Embeds, emb)
	}
	for _, r := range m.Reactions {
		if r == nil || r.Emoji == nil || r.Count <= 0 {
			continue
		}
		out.Reactions = append(out.Reactions, domain.Reaction{
			EmojiID:   r.Emoji.ID,
			EmojiName: r.Emoji.Name,
			Animated:  r.Emoji.Animated,
			Count:     r.Count,
		})
	}
	return out
}

// toAuthor prefers the guild nickname, then the global display name, then
// the username.
func toAuthor(m *discordgo.Message) grouping.Author {
	if m.Author == nil {
		return grouping.Author{}
	}
	a := grouping.Author{
		ID:          m.Author.ID,
		DisplayName: m.Author.Username,
		AvatarURL:   m.Author.AvatarURL(""),
	}
	if n := strings.TrimSpace(m.Author.GlobalName); n != "" {
		a.DisplayName = n
	}
	if m.Member != nil {
		if n := strings.TrimSpace(m.Member.Nick); n != "" {
			a.DisplayName = n
		}
	}
	return a
}
