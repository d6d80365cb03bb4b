// Package watch keeps approved documents honest. It discovers documents from
// chat announcements, captures their first baseline, periodically compares
// live content against that baseline and runs the moderation workflow for
// every drift it finds.
package watch

import (
	"context"
	"errors"
	"time"

	"github.com/nattyright/grail-kun/internal/gdocs"
	"github.com/nattyright/grail-kun/internal/logger"
	"github.com/nattyright/grail-kun/internal/store"
)

var (
	ErrAccessDenied     = gdocs.ErrAccessDenied
	ErrNotTracked       = errors.New("document is not recorded for this community")
	ErrNotApproved      = errors.New("document has no approved baseline yet")
	ErrForbidden        = errors.New("you don't have permission to do that")
	ErrIncidentClosed   = errors.New("this incident is already resolved and cannot be modified")
	ErrIncidentNotFound = errors.New("incident not found")
	ErrInvalidRef       = errors.New("not a document URL or id")
)

// Repository is the persistence the engine needs. store.PostgresStore
// satisfies it.
type Repository interface {
	UpsertSheet(ctx context.Context, sheet store.Sheet) (bool, error)
	GetSheet(ctx context.Context, sheetID string) (store.Sheet, error)
	ListApprovedSheets(ctx context.Context, communityID string) ([]store.Sheet, error)
	ListPendingSheets(ctx context.Context) ([]store.Sheet, error)
	ListCommunities(ctx context.Context) ([]string, error)
	ApproveBaseline(ctx context.Context, communityID, sheetID, approver string, snap store.Snapshot) error
	SetLatest(ctx context.Context, sheetID string, snap store.Snapshot) error
	SetError(ctx context.Context, sheetID, message string) error
	SetQuarantine(ctx context.Context, sheetID, incidentID, observedHash string) error
	UpdateQuarantineRepeat(ctx context.Context, sheetID, observedHash string) error
	ClearQuarantine(ctx context.Context, sheetID string) error

	CreateIncident(ctx context.Context, item store.Incident) (string, error)
	GetIncident(ctx context.Context, incidentID string) (store.Incident, error)
	FindOpenIncident(ctx context.Context, communityID, sheetID string) (store.Incident, error)
	UpdateIncidentContent(ctx context.Context, incidentID string, content store.IncidentContent) error
	AttachAlertMessage(ctx context.Context, incidentID string, ref store.AlertRef) error
	ResolveIncident(ctx context.Context, incidentID, status, resolver, note string) error

	AddAudit(ctx context.Context, entry store.AuditEntry) error
	ListAudit(ctx context.Context, communityID, sheetID string, limit int) ([]store.AuditEntry, error)

	GetSettings(ctx context.Context, communityID string) (store.Settings, error)
	SetLastScan(ctx context.Context, communityID string, at time.Time) error
}

type Fetcher interface {
	FetchBest(ctx context.Context, docID string) (gdocs.Export, error)
}

// Alerter posts to the chat platform.
type Alerter interface {
	PostAlert(ctx context.Context, channelID string, alert Alert) (store.AlertRef, error)
	EditAlert(ctx context.Context, ref store.AlertRef, alert Alert) error
	PostText(ctx context.Context, channelID, content string) error
	PostFile(ctx context.Context, channelID, content, filename string, data []byte) error
}

// MessageSource reads announcements back from the chat platform.
type MessageSource interface {
	FetchMessage(ctx context.Context, channelID, messageID string) (Message, error)
	ChannelHistory(ctx context.Context, channelID string, limit int) ([]Message, error)
}

// BaselineQueue holds sheet ids waiting for their first baseline.
type BaselineQueue interface {
	Enqueue(ctx context.Context, id string) (bool, error)
	Drain(ctx context.Context, limit int) ([]string, error)
	Done(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
	Recover(ctx context.Context) error
}

// Archiver keeps raw exports for later inspection.
type Archiver interface {
	Archive(ctx context.Context, communityID, sheetID string, export gdocs.Export) error
}

// History records every approved baseline.
type History interface {
	RecordBaseline(ctx context.Context, sheet store.Sheet, snap store.Snapshot) error
}

// Notifier tells moderators about new incidents outside the chat platform.
type Notifier interface {
	IncidentOpened(ctx context.Context, sheet store.Sheet, incident store.Incident) error
}

// Indexer keeps the sheet search index current.
type Indexer interface {
	IndexSheet(ctx context.Context, sheet store.Sheet) error
}

type Recorder interface {
	CheckOutcome(outcome string)
	IncidentOpened()
	IncidentResolved(status string)
	BaselineCreated()
	QueueDepth(n int)
}

// Deps wires the engine. Repo, Fetcher and Queue are required; the rest may
// be nil.
type Deps struct {
	Repo     Repository
	Fetcher  Fetcher
	Queue    BaselineQueue
	Alerter  Alerter
	Messages MessageSource
	Archive  Archiver
	History  History
	Notifier Notifier
	Indexer  Indexer
	Metrics  Recorder
	Logger   logger.Logger
}

type Config struct {
	// BaselineBatch caps how many queued ids one worker tick drains.
	BaselineBatch int
	// BaselineConcurrency bounds concurrent baseline captures.
	BaselineConcurrency int
	// BaselineDelay is the pause after each capture when the sheet's
	// community cannot be resolved.
	BaselineDelay time.Duration
}

const (
	DefaultBaselineBatch       = 10
	DefaultBaselineConcurrency = 4
	DefaultBaselineDelay       = time.Second
)

type Engine struct {
	repo     Repository
	fetcher  Fetcher
	queue    BaselineQueue
	alerter  Alerter
	messages MessageSource
	archive  Archiver
	history  History
	notifier Notifier
	indexer  Indexer
	metrics  Recorder
	log      logger.Logger
	cfg      Config

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration)
	shuffle func(items []store.Sheet)
}

func New(deps Deps, cfg Config) *Engine {
	if cfg.BaselineBatch <= 0 {
		cfg.BaselineBatch = DefaultBaselineBatch
	}
	if cfg.BaselineConcurrency <= 0 {
		cfg.BaselineConcurrency = DefaultBaselineConcurrency
	}
	if cfg.BaselineDelay < 0 {
		cfg.BaselineDelay = 0
	}
	e := &Engine{
		repo:     deps.Repo,
		fetcher:  deps.Fetcher,
		queue:    deps.Queue,
		alerter:  deps.Alerter,
		messages: deps.Messages,
		archive:  deps.Archive,
		history:  deps.History,
		notifier: deps.Notifier,
		indexer:  deps.Indexer,
		metrics:  deps.Metrics,
		log:      deps.Logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
		shuffle:  shuffleSheets,
	}
	if e.metrics == nil {
		e.metrics = nopRecorder{}
	}
	if e.log == nil {
		e.log = logger.NewNop()
	}
	return e
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

type nopRecorder struct{}

func (nopRecorder) CheckOutcome(string)     {}
func (nopRecorder) IncidentOpened()         {}
func (nopRecorder) IncidentResolved(string) {}
func (nopRecorder) BaselineCreated()        {}
func (nopRecorder) QueueDepth(int)          {}

func (e *Engine) audit(ctx context.Context, sheet store.Sheet, kind string, details map[string]any) {
	err := e.repo.AddAudit(ctx, store.AuditEntry{
		CommunityID: sheet.CommunityID,
		SheetID:     sheet.ID,
		OwnerID:     sheet.OwnerID,
		Kind:        kind,
		Details:     details,
	})
	if err != nil {
		e.log.Error("write audit entry failed",
			logger.String("sheet_id", sheet.ID),
			logger.String("kind", kind),
			logger.Err(err))
	}
}

// recordFailure stores a per-sheet error and its audit entry.
func (e *Engine) recordFailure(ctx context.Context, sheet store.Sheet, cause error) {
	e.log.Warn("sheet check failed",
		logger.String("sheet_id", sheet.ID),
		logger.String("community_id", sheet.CommunityID),
		logger.Err(cause))
	if err := e.repo.SetError(ctx, sheet.ID, cause.Error()); err != nil {
		e.log.Error("record sheet error failed", logger.String("sheet_id", sheet.ID), logger.Err(err))
	}
	e.audit(ctx, sheet, store.AuditError, map[string]any{"message": cause.Error()})
}

func (e *Engine) refreshQueueDepth(ctx context.Context) {
	n, err := e.queue.Len(ctx)
	if err != nil {
		return
	}
	e.metrics.QueueDepth(n)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
