// Package discord adapts a Discord bot session to the message source and
// live event feed used by the synchronizer.
package discord

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// Intents are the gateway intents the bot needs: guild messages, their
// reactions, and message content.
const Intents = discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildMessageReactions |
	discordgo.IntentsMessageContent

// Session is the subset of *discordgo.Session used here. Tests supply fakes.
type Session interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
}

// NewSession builds a bot session with Intents set. It does not connect;
// call Open once handlers are attached.
func NewSession(token string) (Session, error) {
	if token == "" {
		return nil, errors.New("discord token is required")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.MakeIntent(Intents)
	return s, nil
}

// isNotFound reports whether err is a REST 404 or an unknown message or
// channel error.
func isNotFound(err error) bool {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return false
	}
	if rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound {
		return true
	}
	if rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeUnknownMessage, discordgo.ErrCodeUnknownChannel:
			return true
		}
	}
	return false
}
