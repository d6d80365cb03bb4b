// Package chat talks to the chat platform's REST API: it posts and edits
// moderation alerts, uploads diff files and reads announcements back.
// The discordgo session is used for REST only and never opens the gateway.
package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nattyright/grail-kun/internal/store"
	"github.com/nattyright/grail-kun/internal/watch"
)

const (
	DefaultBaseURL = "https://discord.com/api/v10"
	defaultTimeout = 15 * time.Second
	maxPageSize    = 100
)

var ErrNotFound = errors.New("chat resource not found")

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	session *discordgo.Session
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	// discordgo.New only builds the session struct and cannot fail.
	s, _ := discordgo.New("Bot " + cfg.Token)
	s.UserAgent = "sheetwatch-bot/1.0"
	s.MaxRestRetries = 1
	s.Client = &http.Client{Timeout: cfg.Timeout, Transport: newRebaser(cfg.BaseURL, http.DefaultTransport)}
	return &Client{session: s}
}

func (c *Client) PostAlert(ctx context.Context, channelID string, alert watch.Alert) (store.AlertRef, error) {
	embeds, components := renderAlert(alert)
	msg, err := c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Embeds:          embeds,
		Components:      components,
		AllowedMentions: noMentions(),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return store.AlertRef{}, fmt.Errorf("post alert: %w", mapError(err))
	}
	return store.AlertRef{ChannelID: channelID, MessageID: msg.ID}, nil
}

func (c *Client) EditAlert(ctx context.Context, ref store.AlertRef, alert watch.Alert) error {
	embeds, components := renderAlert(alert)
	edit := discordgo.NewMessageEdit(ref.ChannelID, ref.MessageID).SetEmbeds(embeds)
	edit.Components = &components
	edit.AllowedMentions = noMentions()
	if _, err := c.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("edit alert: %w", mapError(err))
	}
	return nil
}

func (c *Client) PostText(ctx context.Context, channelID, content string) error {
	_, err := c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         content,
		AllowedMentions: noMentions(),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("post message: %w", mapError(err))
	}
	return nil
}

// PostFile uploads data as an attachment with content as the message body.
func (c *Client) PostFile(ctx context.Context, channelID, content, filename string, data []byte) error {
	_, err := c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         content,
		AllowedMentions: noMentions(),
		Files: []*discordgo.File{{
			Name:        filename,
			ContentType: "text/plain; charset=utf-8",
			Reader:      bytes.NewReader(data),
		}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("post file: %w", mapError(err))
	}
	return nil
}

// FetchMessage reads one message. The community id is not part of the
// message payload and is left for the caller to fill in.
func (c *Client) FetchMessage(ctx context.Context, channelID, messageID string) (watch.Message, error) {
	msg, err := c.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return watch.Message{}, fmt.Errorf("fetch message: %w", mapError(err))
	}
	return toMessage(msg), nil
}

// ChannelHistory pages backwards from the newest message until limit
// messages were read or the channel is exhausted.
func (c *Client) ChannelHistory(ctx context.Context, channelID string, limit int) ([]watch.Message, error) {
	var (
		out    []watch.Message
		before string
	)
	for len(out) < limit {
		page := min(limit-len(out), maxPageSize)
		batch, err := c.session.ChannelMessages(channelID, page, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return out, fmt.Errorf("read history: %w", mapError(err))
		}
		for _, m := range batch {
			out = append(out, toMessage(m))
		}
		if len(batch) < page {
			break
		}
		before = batch[len(batch)-1].ID
	}
	return out, nil
}

func mapError(err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}

// rebaser points discordgo's fixed API endpoints at the configured base URL.
type rebaser struct {
	base    *url.URL
	apiPath string
	next    http.RoundTripper
}

func newRebaser(baseURL string, next http.RoundTripper) http.RoundTripper {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Host == "" {
		return next
	}
	api, _ := url.Parse(discordgo.EndpointAPI)
	return &rebaser{base: base, apiPath: api.Path, next: next}
}

func (r *rebaser) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = r.base.Scheme
	out.URL.Host = r.base.Host
	out.URL.Path = r.base.Path + "/" + strings.TrimPrefix(req.URL.Path, r.apiPath)
	out.URL.RawPath = ""
	out.Host = r.base.Host
	return r.next.RoundTrip(out)
}
