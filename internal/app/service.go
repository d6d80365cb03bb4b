// Package app is the operator surface: bearer-authenticated HTTP routes for
// moderation, configuration and the chat relay's event ingestion.
package app

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/nattyright/grail-kun/internal/auth"
	"github.com/nattyright/grail-kun/internal/chat"
	"github.com/nattyright/grail-kun/internal/gitrepo"
	"github.com/nattyright/grail-kun/internal/logger"
	"github.com/nattyright/grail-kun/internal/rbac"
	"github.com/nattyright/grail-kun/internal/report"
	"github.com/nattyright/grail-kun/internal/search"
	"github.com/nattyright/grail-kun/internal/store"
	"github.com/nattyright/grail-kun/internal/watch"
)

type dataStore interface {
	Ping(ctx context.Context) error
	GetSettings(ctx context.Context, communityID string) (store.Settings, error)
	PutSettings(ctx context.Context, communityID string, values map[string]any) error
	GetSheet(ctx context.Context, sheetID string) (store.Sheet, error)
	GetIncident(ctx context.Context, incidentID string) (store.Incident, error)
	ListSheetsForOwner(ctx context.Context, communityID, ownerID string, used bool) ([]store.Sheet, error)
	CountUnusedSheets(ctx context.Context, communityID, ownerID string) (int, error)
	SetSheetUsed(ctx context.Context, sheetID string, used bool) error
}

// Engine is the part of the watch engine the operator surface drives.
type Engine interface {
	OnNewMessage(ctx context.Context, msg watch.Message) (int, error)
	OnEditedMessage(ctx context.Context, communityID, channelID, messageID string) (int, error)
	Rescan(ctx context.Context, communityID string) (watch.RescanReport, error)
	LookupSheet(ctx context.Context, communityID, ref string) (store.Sheet, error)
	ManualCheck(ctx context.Context, actor watch.Actor, ref string) (watch.CheckReport, error)
	ManualDiff(ctx context.Context, actor watch.Actor, ref string) (watch.DiffReport, error)
	AuditLog(ctx context.Context, actor watch.Actor, ref string, limit int) (store.Sheet, []store.AuditEntry, error)
	Approve(ctx context.Context, actor watch.Actor, incidentID string) error
	Reject(ctx context.Context, actor watch.Actor, incidentID string) error
	Dismiss(ctx context.Context, actor watch.Actor, incidentID string) error
	Recheck(ctx context.Context, actor watch.Actor, incidentID string) (bool, error)
	PostDiffs(ctx context.Context, actor watch.Actor, incidentID string) (int, error)
}

type searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type historyReader interface {
	History(sheetID string, limit int) ([]gitrepo.Commit, error)
}

type reporter interface {
	Render(ctx context.Context, inc store.Incident, sheet store.Sheet, format report.Format) (*report.Result, error)
}

type Deps struct {
	Store       dataStore
	Engine      Engine
	Search      searcher
	History     historyReader
	Reports     reporter
	TokenSecret string
	Logger      logger.Logger
}

type Service struct {
	store       dataStore
	engine      Engine
	search      searcher
	history     historyReader
	reports     reporter
	tokenSecret []byte
	log         logger.Logger
}

func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	return &Service{
		store:       deps.Store,
		engine:      deps.Engine,
		search:      deps.Search,
		history:     deps.History,
		reports:     deps.Reports,
		tokenSecret: []byte(deps.TokenSecret),
		log:         deps.Logger,
	}
}

// Session is the authenticated operator behind a request.
type Session struct {
	UserID      string
	CommunityID string
	Admin       bool
	RoleIDs     []string
}

func (s Session) Actor() watch.Actor {
	return watch.Actor{
		CommunityID: s.CommunityID,
		Identity:    rbac.Identity{UserID: s.UserID, Admin: s.Admin, RoleIDs: s.RoleIDs},
	}
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken(s.tokenSecret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Sub, CommunityID: claims.Community, Admin: claims.Admin, RoleIDs: claims.Roles}, nil
}

// IssueToken mints an operator token valid for ttl.
func (s *Service) IssueToken(session Session, ttl time.Duration) (string, error) {
	return auth.IssueToken(s.tokenSecret, auth.Claims{
		Sub:       session.UserID,
		Community: session.CommunityID,
		Roles:     session.RoleIDs,
		Admin:     session.Admin,
		Exp:       time.Now().Add(ttl).Unix(),
	})
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// authorize checks that the session belongs to communityID and that its
// role there permits action.
func (s *Service) authorize(ctx context.Context, session Session, communityID string, action rbac.Action) error {
	if session.CommunityID != communityID {
		return errForbidden
	}
	if action == rbac.ActionAdmin {
		if !session.Admin {
			return errForbidden
		}
		return nil
	}
	settings, err := s.store.GetSettings(ctx, communityID)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !rbac.Can(rbac.Resolve(session.Actor().Identity, settings.ModRoleIDs), action) {
		return errForbidden
	}
	return nil
}

type SettingsView struct {
	TrackedChannelIDs    []string   `json:"trackedChannelIds"`
	ModAlertChannelID    string     `json:"modAlertChannelId"`
	ModRoleIDs           []string   `json:"modRoleIds"`
	CheckIntervalMinutes int        `json:"checkIntervalMinutes"`
	HistoryScanLimit     int        `json:"historyScanLimit"`
	MaxDiffChars         int        `json:"maxDiffChars"`
	MaxChangedWords      int        `json:"maxChangedWords"`
	MaxSectionsToPost    int        `json:"maxSectionsToPost"`
	MaxConcurrentChecks  int        `json:"maxConcurrentChecks"`
	PerSheetDelaySeconds float64    `json:"perSheetDelaySeconds"`
	LastScanAt           *time.Time `json:"lastScanAt,omitempty"`
}

func settingsView(st store.Settings) SettingsView {
	return SettingsView{
		TrackedChannelIDs:    nonNilStrings(st.TrackedChannelIDs),
		ModAlertChannelID:    st.ModAlertChannelID,
		ModRoleIDs:           nonNilStrings(st.ModRoleIDs),
		CheckIntervalMinutes: st.CheckIntervalMinutes,
		HistoryScanLimit:     st.HistoryScanLimit,
		MaxDiffChars:         st.MaxDiffChars,
		MaxChangedWords:      st.MaxChangedWords,
		MaxSectionsToPost:    st.MaxSectionsToPost,
		MaxConcurrentChecks:  st.MaxConcurrentChecks,
		PerSheetDelaySeconds: st.PerSheetDelaySeconds,
		LastScanAt:           st.LastScanAt,
	}
}

// SettingsInput carries the operator-configurable settings. Nil fields are
// left unchanged.
type SettingsInput struct {
	ModAlertChannelID *string  `json:"modAlertChannelId"`
	TrackedChannelIDs []string `json:"trackedChannelIds"`
	ModRoleIDs        []string `json:"modRoleIds"`
}

func (s *Service) Settings(ctx context.Context, session Session, communityID string) (SettingsView, error) {
	if err := s.authorize(ctx, session, communityID, rbac.ActionRead); err != nil {
		return SettingsView{}, err
	}
	st, err := s.store.GetSettings(ctx, communityID)
	if err != nil {
		return SettingsView{}, err
	}
	return settingsView(st), nil
}

func (s *Service) UpdateSettings(ctx context.Context, session Session, communityID string, input SettingsInput) (SettingsView, error) {
	if err := s.authorize(ctx, session, communityID, rbac.ActionAdmin); err != nil {
		return SettingsView{}, err
	}
	values := map[string]any{}
	if input.ModAlertChannelID != nil {
		values[store.KeyModAlertChannelID] = strings.TrimSpace(*input.ModAlertChannelID)
	}
	if input.TrackedChannelIDs != nil {
		ids, err := cleanIDs("trackedChannelIds", input.TrackedChannelIDs)
		if err != nil {
			return SettingsView{}, err
		}
		values[store.KeyTrackedChannelIDs] = ids
	}
	if input.ModRoleIDs != nil {
		ids, err := cleanIDs("modRoleIds", input.ModRoleIDs)
		if err != nil {
			return SettingsView{}, err
		}
		values[store.KeyModRoleIDs] = ids
	}
	if len(values) == 0 {
		return SettingsView{}, validationError("no settings given")
	}
	if err := s.store.PutSettings(ctx, communityID, values); err != nil {
		return SettingsView{}, err
	}
	s.log.Info("settings updated",
		logger.String("community_id", communityID),
		logger.String("user_id", session.UserID),
		logger.Int("keys", len(values)))
	st, err := s.store.GetSettings(ctx, communityID)
	if err != nil {
		return SettingsView{}, err
	}
	return settingsView(st), nil
}

func cleanIDs(field string, ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, validationError(field + " must not contain empty ids")
		}
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Service) Rescan(ctx context.Context, session Session, communityID string) (watch.RescanReport, error) {
	if err := s.authorize(ctx, session, communityID, rbac.ActionAdmin); err != nil {
		return watch.RescanReport{}, err
	}
	return s.engine.Rescan(ctx, communityID)
}

type SheetView struct {
	ID                   string     `json:"id"`
	CommunityID          string     `json:"communityId"`
	OwnerID              string     `json:"ownerId"`
	URL                  string     `json:"url"`
	Status               string     `json:"status"`
	IsUsed               bool       `json:"isUsed"`
	ApprovedAt           *time.Time `json:"approvedAt,omitempty"`
	ApprovedBy           string     `json:"approvedBy,omitempty"`
	QuarantineIncidentID string     `json:"quarantineIncidentId,omitempty"`
	QuarantineRepeats    int        `json:"quarantineRepeats,omitempty"`
	LastError            string     `json:"lastError,omitempty"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

func sheetView(sheet store.Sheet) SheetView {
	v := SheetView{
		ID:          sheet.ID,
		CommunityID: sheet.CommunityID,
		OwnerID:     sheet.OwnerID,
		URL:         sheet.URL,
		Status:      sheet.Status,
		IsUsed:      sheet.IsUsed,
		UpdatedAt:   sheet.UpdatedAt,
	}
	if sheet.Approved != nil {
		at := sheet.Approved.At
		v.ApprovedAt = &at
		v.ApprovedBy = sheet.Approved.By
	}
	if sheet.Quarantine != nil {
		v.QuarantineIncidentID = sheet.Quarantine.IncidentID
		v.QuarantineRepeats = sheet.Quarantine.Repeats
	}
	if sheet.LastError != nil {
		v.LastError = sheet.LastError.Message
	}
	return v
}

func (s *Service) SearchSheets(ctx context.Context, session Session, communityID, query string, limit int) (search.Response, error) {
	if err := s.authorize(ctx, session, communityID, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	if strings.TrimSpace(query) == "" {
		return search.Response{}, validationError("q is required")
	}
	return s.search.Search(ctx, search.Query{CommunityID: communityID, Text: query, Limit: limit}), nil
}

type OwnerSheets struct {
	OwnerID     string      `json:"ownerId"`
	Sheets      []SheetView `json:"sheets"`
	UnusedCount int         `json:"unusedCount"`
}

func (s *Service) OwnerSheets(ctx context.Context, session Session, communityID, ownerID string, used bool) (OwnerSheets, error) {
	if err := s.authorize(ctx, session, communityID, rbac.ActionRead); err != nil {
		return OwnerSheets{}, err
	}
	sheets, err := s.store.ListSheetsForOwner(ctx, communityID, ownerID, used)
	if err != nil {
		return OwnerSheets{}, err
	}
	unused, err := s.store.CountUnusedSheets(ctx, communityID, ownerID)
	if err != nil {
		return OwnerSheets{}, err
	}
	out := OwnerSheets{OwnerID: ownerID, Sheets: make([]SheetView, 0, len(sheets)), UnusedCount: unused}
	for _, sheet := range sheets {
		out.Sheets = append(out.Sheets, sheetView(sheet))
	}
	return out, nil
}

type AuditView struct {
	Kind       string         `json:"kind"`
	At         time.Time      `json:"at"`
	IncidentID string         `json:"incidentId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

type AuditLog struct {
	Sheet   SheetView   `json:"sheet"`
	Entries []AuditView `json:"entries"`
	Text    string      `json:"text"`
}

func (s *Service) Audit(ctx context.Context, session Session, ref string, limit int) (AuditLog, error) {
	if err := s.authorize(ctx, session, session.CommunityID, rbac.ActionRead); err != nil {
		return AuditLog{}, err
	}
	sheet, entries, err := s.engine.AuditLog(ctx, session.Actor(), ref, limit)
	if err != nil {
		return AuditLog{}, err
	}
	out := AuditLog{Sheet: sheetView(sheet), Entries: make([]AuditView, 0, len(entries)), Text: watch.FormatAudit(entries)}
	for _, e := range entries {
		out.Entries = append(out.Entries, AuditView{Kind: e.Kind, At: e.At, IncidentID: e.IncidentID(), Details: e.Details})
	}
	return out, nil
}

func (s *Service) Check(ctx context.Context, session Session, ref string) (watch.CheckReport, error) {
	if err := s.authorize(ctx, session, session.CommunityID, rbac.ActionModerate); err != nil {
		return watch.CheckReport{}, err
	}
	return s.engine.ManualCheck(ctx, session.Actor(), ref)
}

func (s *Service) Diff(ctx context.Context, session Session, ref string) (watch.DiffReport, error) {
	if err := s.authorize(ctx, session, session.CommunityID, rbac.ActionRead); err != nil {
		return watch.DiffReport{}, err
	}
	return s.engine.ManualDiff(ctx, session.Actor(), ref)
}

func (s *Service) SetUsed(ctx context.Context, session Session, ref string, used bool) (SheetView, error) {
	if err := s.authorize(ctx, session, session.CommunityID, rbac.ActionModerate); err != nil {
		return SheetView{}, err
	}
	sheet, err := s.engine.LookupSheet(ctx, session.CommunityID, ref)
	if err != nil {
		return SheetView{}, err
	}
	if err := s.store.SetSheetUsed(ctx, sheet.ID, used); err != nil {
		return SheetView{}, err
	}
	sheet.IsUsed = used
	return sheetView(sheet), nil
}

func (s *Service) History(ctx context.Context, session Session, ref string, limit int) ([]gitrepo.Commit, error) {
	if err := s.authorize(ctx, session, session.CommunityID, rbac.ActionRead); err != nil {
		return nil, err
	}
	sheet, err := s.engine.LookupSheet(ctx, session.CommunityID, ref)
	if err != nil {
		return nil, err
	}
	if s.history == nil {
		return []gitrepo.Commit{}, nil
	}
	return s.history.History(sheet.ID, limit)
}

// ActionResult reports the outcome of a moderation action.
type ActionResult struct {
	IncidentID   string `json:"incidentId"`
	Action       string `json:"action"`
	Status       string `json:"status,omitempty"`
	StillChanged *bool  `json:"stillChanged,omitempty"`
	Posted       *int   `json:"posted,omitempty"`
	Message      string `json:"message"`
}

// IncidentAction runs one moderation action. The engine enforces moderator
// authority and incident state.
func (s *Service) IncidentAction(ctx context.Context, session Session, incidentID, action string) (ActionResult, error) {
	return s.runAction(ctx, session.Actor(), incidentID, action)
}

func (s *Service) runAction(ctx context.Context, actor watch.Actor, incidentID, action string) (ActionResult, error) {
	res := ActionResult{IncidentID: incidentID, Action: action}
	var err error
	switch action {
	case watch.ActionApprove:
		err = s.engine.Approve(ctx, actor, incidentID)
		res.Message = "Approved. The current document is the new baseline."
	case watch.ActionReject:
		err = s.engine.Reject(ctx, actor, incidentID)
		res.Message = "Rejected. The sheet stays quarantined."
	case watch.ActionDismiss:
		err = s.engine.Dismiss(ctx, actor, incidentID)
		res.Message = "Dismissed. Quarantine cleared."
	case watch.ActionRecheck:
		var still bool
		still, err = s.engine.Recheck(ctx, actor, incidentID)
		res.StillChanged = &still
		res.Message = "Content matches baseline again. Incident resolved."
		if still {
			res.Message = "Still changed. Incident refreshed."
		}
	case watch.ActionPostDiffs:
		var posted int
		posted, err = s.engine.PostDiffs(ctx, actor, incidentID)
		res.Posted = &posted
		res.Message = fmt.Sprintf("Posted %d diff(s).", posted)
	default:
		return ActionResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "Unknown action", map[string]any{"action": action})
	}
	if err != nil {
		return ActionResult{}, err
	}
	if inc, err := s.store.GetIncident(ctx, incidentID); err == nil {
		res.Status = inc.Status
	}
	return res, nil
}

func (s *Service) Report(ctx context.Context, session Session, incidentID string, format report.Format) (*report.Result, error) {
	inc, err := s.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc.CommunityID != session.CommunityID {
		return nil, watch.ErrIncidentNotFound
	}
	if err := s.authorize(ctx, session, inc.CommunityID, rbac.ActionRead); err != nil {
		return nil, err
	}
	sheet, err := s.store.GetSheet(ctx, inc.SheetID)
	if err != nil {
		return nil, err
	}
	return s.reports.Render(ctx, inc, sheet, format)
}

// requireRelay admits the chat relay: an administrator token of the
// community the event belongs to.
func requireRelay(session Session, communityID string) error {
	if !session.Admin || session.CommunityID != communityID {
		return errForbidden
	}
	return nil
}

func (s *Service) IngestMessage(ctx context.Context, session Session, msg watch.Message) (int, error) {
	if err := requireRelay(session, msg.CommunityID); err != nil {
		return 0, err
	}
	return s.engine.OnNewMessage(ctx, msg)
}

type MessageEditInput struct {
	CommunityID string `json:"communityId"`
	ChannelID   string `json:"channelId"`
	MessageID   string `json:"messageId"`
}

func (s *Service) IngestMessageEdit(ctx context.Context, session Session, in MessageEditInput) (int, error) {
	if err := requireRelay(session, in.CommunityID); err != nil {
		return 0, err
	}
	if in.ChannelID == "" || in.MessageID == "" {
		return 0, validationError("channelId and messageId are required")
	}
	return s.engine.OnEditedMessage(ctx, in.CommunityID, in.ChannelID, in.MessageID)
}

// InteractionInput is a button press relayed from the chat platform.
type InteractionInput struct {
	CommunityID string `json:"communityId"`
	CustomID    string `json:"customId"`
	User        struct {
		ID      string   `json:"id"`
		Admin   bool     `json:"admin"`
		RoleIDs []string `json:"roleIds"`
	} `json:"user"`
}

// Interaction dispatches an alert button press on behalf of the user who
// pressed it.
func (s *Service) Interaction(ctx context.Context, session Session, in InteractionInput) (ActionResult, error) {
	if err := requireRelay(session, in.CommunityID); err != nil {
		return ActionResult{}, err
	}
	action, incidentID, ok := chat.ParseCustomID(in.CustomID)
	if !ok {
		return ActionResult{}, validationError("unrecognized customId")
	}
	if in.User.ID == "" {
		return ActionResult{}, validationError("user.id is required")
	}
	actor := watch.Actor{
		CommunityID: in.CommunityID,
		Identity:    rbac.Identity{UserID: in.User.ID, Admin: in.User.Admin, RoleIDs: in.User.RoleIDs},
	}
	return s.runAction(ctx, actor, incidentID, action)
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
