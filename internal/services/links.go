package services

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	channelURLRE     = regexp.MustCompile(`https://(?:(?:ptb|canary)\.)?discord(?:app)?\.com/channels/(\d+)/(\d+)(?:/(\d+))?`)
	channelMentionRE = regexp.MustCompile(`<#(\d+)>`)
)

// LinkRewriter rewrites channel links and mentions into readable markdown
// links. Lookups (including failures) are cached for the rewriter's lifetime;
// create one per request.
type LinkRewriter struct {
	channels ChannelResolver
	guildID  string
	names    map[string]string
}

// NewLinkRewriter returns a rewriter resolving names through channels.
func NewLinkRewriter(channels ChannelResolver, guildID string) *LinkRewriter {
	return &LinkRewriter{channels: channels, guildID: guildID, names: make(map[string]string)}
}

// Rewrite replaces https://discord.com/channels/<guild>/<channel>[/<msg>]
// with [#name](url) and <#channel> with [#name](channel url). Links that
// already sit inside a markdown link target, links into other communities
// and channels whose name cannot be resolved are left as they are.
func (r *LinkRewriter) Rewrite(ctx context.Context, content string) string {
	if r.channels == nil || content == "" {
		return content
	}
	content = r.rewriteURLs(ctx, content)
	return r.rewriteMentions(ctx, content)
}

func (r *LinkRewriter) rewriteURLs(ctx context.Context, content string) string {
	matches := channelURLRE.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return content
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		guild := content[m[2]:m[3]]
		channel := content[m[4]:m[5]]
		b.WriteString(content[last:start])
		last = end

		link := content[start:end]
		if strings.HasSuffix(content[:start], "](") || (r.guildID != "" && guild != r.guildID) {
			b.WriteString(link)
			continue
		}
		name, ok := r.name(ctx, channel)
		if !ok {
			b.WriteString(link)
			continue
		}
		b.WriteString("[#" + name + "](" + link + ")")
	}
	b.WriteString(content[last:])
	return b.String()
}

func (r *LinkRewriter) rewriteMentions(ctx context.Context, content string) string {
	return channelMentionRE.ReplaceAllStringFunc(content, func(mention string) string {
		channel := channelMentionRE.FindStringSubmatch(mention)[1]
		name, ok := r.name(ctx, channel)
		if !ok {
			return mention
		}
		if r.guildID == "" {
			return "#" + name
		}
		return "[#" + name + "](https://discord.com/channels/" + r.guildID + "/" + channel + ")"
	})
}

// name resolves a channel id once per rewriter. An empty cached value marks
// a failed lookup.
func (r *LinkRewriter) name(ctx context.Context, channelID string) (string, bool) {
	if n, ok := r.names[channelID]; ok {
		return n, n != ""
	}
	n, err := r.channels.ChannelName(ctx, channelID)
	if err != nil {
		log.Debug().Err(err).Str("channel_id", channelID).Msg("channel name lookup failed")
		n = ""
	}
	n = strings.TrimSpace(n)
	r.names[channelID] = n
	return n, n != ""
}
