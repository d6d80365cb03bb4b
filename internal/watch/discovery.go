package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nattyright/grail-kun/internal/logger"
	"github.com/nattyright/grail-kun/internal/sheettext"
	"github.com/nattyright/grail-kun/internal/store"
)

// Message is an announcement as delivered by the chat platform.
type Message struct {
	ID          string   `json:"id"`
	ChannelID   string   `json:"channel_id"`
	CommunityID string   `json:"community_id"`
	AuthorID    string   `json:"author_id"`
	AuthorBot   bool     `json:"author_bot"`
	WebhookID   string   `json:"webhook_id,omitempty"`
	Content     string   `json:"content"`
	MentionIDs  []string `json:"mention_ids,omitempty"`
	Cards       []Card   `json:"cards,omitempty"`
}

// Card is a rich embed attached to a message.
type Card struct {
	URL         string      `json:"url,omitempty"`
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Fields      []CardField `json:"fields,omitempty"`
	Footer      string      `json:"footer,omitempty"`
	AuthorName  string      `json:"author_name,omitempty"`
	AuthorURL   string      `json:"author_url,omitempty"`
}

type CardField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (c Card) flatten() string {
	parts := []string{c.URL, c.Title, c.Description}
	for _, f := range c.Fields {
		parts = append(parts, f.Name, f.Value)
	}
	parts = append(parts, c.Footer, c.AuthorName, c.AuthorURL)
	return strings.Join(parts, "\n")
}

// Pair ties a document to the user who announced it as theirs.
type Pair struct {
	OwnerID string
	DocID   string
	URL     string
}

// ExtractPairs finds (owner, document) pairs in a message. Each card is read
// on its own and yields its first mention and first document URL. When no
// card yields a pair, the message body is used with the platform-resolved
// mentions taking precedence over mention markup.
func ExtractPairs(msg Message) []Pair {
	var out []Pair
	seen := map[string]struct{}{}
	add := func(owner, url string) {
		id, ok := sheettext.DocIDFromURL(url)
		if !ok {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, Pair{OwnerID: owner, DocID: id, URL: url})
	}

	for _, card := range msg.Cards {
		text := card.flatten()
		users := sheettext.ExtractUserIDs(text)
		urls := sheettext.ExtractDocURLs(text)
		if len(users) == 0 || len(urls) == 0 {
			continue
		}
		add(users[0], urls[0])
	}
	if len(out) > 0 {
		return out
	}

	owner := ""
	if len(msg.MentionIDs) > 0 {
		owner = msg.MentionIDs[0]
	} else if users := sheettext.ExtractUserIDs(msg.Content); len(users) > 0 {
		owner = users[0]
	}
	if owner == "" {
		return nil
	}
	urls := sheettext.ExtractDocURLs(msg.Content)
	if len(urls) == 0 {
		for _, card := range msg.Cards {
			if _, ok := sheettext.DocIDFromURL(card.URL); ok {
				urls = append(urls, card.URL)
			}
		}
	}
	for _, url := range urls {
		add(owner, url)
	}
	return out
}

// OnNewMessage registers every sheet announced in a tracked channel and
// queues the ones without a baseline. It returns the number of pairs found.
func (e *Engine) OnNewMessage(ctx context.Context, msg Message) (int, error) {
	if msg.CommunityID == "" {
		return 0, nil
	}
	if msg.AuthorBot && msg.WebhookID == "" {
		return 0, nil
	}
	settings, err := e.repo.GetSettings(ctx, msg.CommunityID)
	if err != nil {
		return 0, fmt.Errorf("load settings: %w", err)
	}
	if !settings.IsTracked(msg.ChannelID) {
		return 0, nil
	}
	return e.register(ctx, msg)
}

func (e *Engine) register(ctx context.Context, msg Message) (int, error) {
	pairs := ExtractPairs(msg)
	var errs []error
	for _, pair := range pairs {
		if err := e.registerPair(ctx, msg, pair); err != nil {
			errs = append(errs, err)
		}
	}
	if len(pairs) > 0 {
		e.refreshQueueDepth(ctx)
	}
	return len(pairs), errors.Join(errs...)
}

func (e *Engine) registerPair(ctx context.Context, msg Message, pair Pair) error {
	created, err := e.repo.UpsertSheet(ctx, store.Sheet{
		ID:          pair.DocID,
		CommunityID: msg.CommunityID,
		OwnerID:     pair.OwnerID,
		URL:         pair.URL,
		Source:      store.SourceRef{ChannelID: msg.ChannelID, MessageID: msg.ID},
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", pair.DocID, err)
	}
	sheet, err := e.repo.GetSheet(ctx, pair.DocID)
	if err != nil {
		return fmt.Errorf("reload %s: %w", pair.DocID, err)
	}
	if e.indexer != nil {
		if err := e.indexer.IndexSheet(ctx, sheet); err != nil {
			e.log.Warn("index sheet failed", logger.String("sheet_id", sheet.ID), logger.Err(err))
		}
	}
	if sheet.Approved != nil {
		return nil
	}
	queued, err := e.queue.Enqueue(ctx, sheet.ID)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", sheet.ID, err)
	}
	if queued {
		e.log.Info("sheet queued for baseline",
			logger.String("sheet_id", sheet.ID),
			logger.String("community_id", sheet.CommunityID),
			logger.Bool("new", created))
	}
	return nil
}

// OnEditedMessage re-reads an edited announcement in full, since edit events
// may carry only the changed fields, and registers it like a new one.
func (e *Engine) OnEditedMessage(ctx context.Context, communityID, channelID, messageID string) (int, error) {
	if communityID == "" || e.messages == nil {
		return 0, nil
	}
	settings, err := e.repo.GetSettings(ctx, communityID)
	if err != nil {
		return 0, fmt.Errorf("load settings: %w", err)
	}
	if !settings.IsTracked(channelID) {
		return 0, nil
	}
	msg, err := e.messages.FetchMessage(ctx, channelID, messageID)
	if err != nil {
		e.log.Warn("fetch edited message failed",
			logger.String("channel_id", channelID),
			logger.String("message_id", messageID),
			logger.Err(err))
		return 0, nil
	}
	msg.CommunityID = communityID
	if msg.ChannelID == "" {
		msg.ChannelID = channelID
	}
	if msg.AuthorBot && msg.WebhookID == "" {
		return 0, nil
	}
	return e.register(ctx, msg)
}

// RescanReport summarizes a history rescan.
type RescanReport struct {
	Channels int `json:"channels"`
	Messages int `json:"messages"`
	Pairs    int `json:"pairs"`
}

// Rescan walks the recent history of every tracked channel, bounded by the
// community's history scan limit. A channel that cannot be read is skipped.
func (e *Engine) Rescan(ctx context.Context, communityID string) (RescanReport, error) {
	var report RescanReport
	if e.messages == nil {
		return report, nil
	}
	settings, err := e.repo.GetSettings(ctx, communityID)
	if err != nil {
		return report, fmt.Errorf("load settings: %w", err)
	}
	var errs []error
	for _, channelID := range settings.TrackedChannelIDs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		history, err := e.messages.ChannelHistory(ctx, channelID, settings.HistoryScanLimit)
		if err != nil {
			e.log.Warn("read channel history failed", logger.String("channel_id", channelID), logger.Err(err))
			continue
		}
		report.Channels++
		for _, msg := range history {
			msg.CommunityID = communityID
			if msg.ChannelID == "" {
				msg.ChannelID = channelID
			}
			report.Messages++
			if msg.AuthorBot && msg.WebhookID == "" {
				continue
			}
			n, err := e.register(ctx, msg)
			report.Pairs += n
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return report, errors.Join(errs...)
}
