package watch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nattyright/grail-kun/internal/gdocs"
	"github.com/nattyright/grail-kun/internal/queue"
	"github.com/nattyright/grail-kun/internal/rbac"
	"github.com/nattyright/grail-kun/internal/store"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type memRepo struct {
	mu        sync.Mutex
	sheets    map[string]store.Sheet
	incidents map[string]store.Incident
	audit     []store.AuditEntry
	settings  map[string]store.Settings
	seq       int
}

func newMemRepo() *memRepo {
	return &memRepo{
		sheets:    map[string]store.Sheet{},
		incidents: map[string]store.Incident{},
		settings:  map[string]store.Settings{},
	}
}

func (r *memRepo) UpsertSheet(_ context.Context, item store.Sheet) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sheets[item.ID]
	if !ok {
		item.Status = store.SheetStatusOK
		item.CreatedAt = testNow
		r.sheets[item.ID] = item
		return true, nil
	}
	cur.CommunityID = item.CommunityID
	cur.OwnerID = item.OwnerID
	cur.URL = item.URL
	cur.Source = item.Source
	r.sheets[item.ID] = cur
	return false, nil
}

func (r *memRepo) GetSheet(_ context.Context, id string) (store.Sheet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sheets[id]
	if !ok {
		return store.Sheet{}, fmt.Errorf("sheet %s: %w", id, store.ErrNotFound)
	}
	return s, nil
}

func (r *memRepo) sheet(id string) store.Sheet {
	s, _ := r.GetSheet(context.Background(), id)
	return s
}

func (r *memRepo) filterSheets(keep func(store.Sheet) bool) []store.Sheet {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Sheet
	for _, s := range r.sheets {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memRepo) ListApprovedSheets(_ context.Context, communityID string) ([]store.Sheet, error) {
	return r.filterSheets(func(s store.Sheet) bool { return s.CommunityID == communityID && s.Approved != nil }), nil
}

func (r *memRepo) ListPendingSheets(context.Context) ([]store.Sheet, error) {
	return r.filterSheets(func(s store.Sheet) bool { return s.Approved == nil }), nil
}

func (r *memRepo) ListCommunities(context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	for _, s := range r.filterSheets(func(store.Sheet) bool { return true }) {
		seen[s.CommunityID] = struct{}{}
	}
	var out []string
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (r *memRepo) update(id string, fn func(*store.Sheet)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sheets[id]
	if !ok {
		return fmt.Errorf("sheet %s: %w", id, store.ErrNotFound)
	}
	fn(&s)
	r.sheets[id] = s
	return nil
}

func (r *memRepo) ApproveBaseline(_ context.Context, communityID, sheetID, approver string, snap store.Snapshot) error {
	return r.update(sheetID, func(s *store.Sheet) {
		snap.At = testNow
		snap.By = approver
		s.CommunityID = communityID
		s.Approved = &snap
		s.Status = store.SheetStatusOK
		s.Quarantine = nil
		s.LastError = nil
	})
}

func (r *memRepo) SetLatest(_ context.Context, sheetID string, snap store.Snapshot) error {
	return r.update(sheetID, func(s *store.Sheet) {
		snap.At = testNow
		s.Latest = &snap
		s.LastError = nil
		if s.Status == store.SheetStatusError {
			s.Status = store.SheetStatusOK
		}
	})
}

func (r *memRepo) SetError(_ context.Context, sheetID, message string) error {
	return r.update(sheetID, func(s *store.Sheet) {
		if s.Status != store.SheetStatusQuarantined {
			s.Status = store.SheetStatusError
		}
		s.LastError = &store.SheetError{Message: message, At: testNow}
	})
}

func (r *memRepo) SetQuarantine(_ context.Context, sheetID, incidentID, hash string) error {
	return r.update(sheetID, func(s *store.Sheet) {
		s.Status = store.SheetStatusQuarantined
		s.Quarantine = &store.Quarantine{
			IncidentID:         incidentID,
			Since:              testNow,
			LastSeenGlobalHash: hash,
			LastCheckedAt:      testNow,
		}
	})
}

func (r *memRepo) UpdateQuarantineRepeat(_ context.Context, sheetID, hash string) error {
	return r.update(sheetID, func(s *store.Sheet) {
		if s.Quarantine == nil {
			return
		}
		q := *s.Quarantine
		if q.LastSeenGlobalHash != hash {
			q.Repeats++
		}
		q.LastSeenGlobalHash = hash
		q.LastCheckedAt = testNow
		s.Quarantine = &q
	})
}

func (r *memRepo) ClearQuarantine(_ context.Context, sheetID string) error {
	return r.update(sheetID, func(s *store.Sheet) {
		s.Status = store.SheetStatusOK
		s.Quarantine = nil
	})
}

func (r *memRepo) CreateIncident(_ context.Context, item store.Incident) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inc := range r.incidents {
		if inc.SheetID == item.SheetID && inc.Status == store.IncidentOpen {
			return "", store.ErrOpenIncidentExists
		}
	}
	r.seq++
	item.ID = fmt.Sprintf("inc_%d", r.seq)
	item.Status = store.IncidentOpen
	item.OpenedAt = testNow
	r.incidents[item.ID] = item
	return item.ID, nil
}

func (r *memRepo) GetIncident(_ context.Context, id string) (store.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return store.Incident{}, fmt.Errorf("incident %s: %w", id, store.ErrNotFound)
	}
	return inc, nil
}

func (r *memRepo) incident(id string) store.Incident {
	inc, _ := r.GetIncident(context.Background(), id)
	return inc
}

func (r *memRepo) FindOpenIncident(_ context.Context, communityID, sheetID string) (store.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inc := range r.incidents {
		if inc.CommunityID == communityID && inc.SheetID == sheetID && inc.Status == store.IncidentOpen {
			return inc, nil
		}
	}
	return store.Incident{}, fmt.Errorf("open incident: %w", store.ErrNotFound)
}

func (r *memRepo) incidentsFor(sheetID string) []store.Incident {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Incident
	for _, inc := range r.incidents {
		if inc.SheetID == sheetID {
			out = append(out, inc)
		}
	}
	return out
}

func (r *memRepo) updateIncident(id string, fn func(*store.Incident)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return fmt.Errorf("incident %s: %w", id, store.ErrNotFound)
	}
	fn(&inc)
	r.incidents[id] = inc
	return nil
}

func (r *memRepo) UpdateIncidentContent(_ context.Context, id string, content store.IncidentContent) error {
	return r.updateIncident(id, func(inc *store.Incident) { inc.IncidentContent = content })
}

func (r *memRepo) AttachAlertMessage(_ context.Context, id string, ref store.AlertRef) error {
	return r.updateIncident(id, func(inc *store.Incident) { inc.Alert = &ref })
}

func (r *memRepo) ResolveIncident(_ context.Context, id, status, resolver, note string) error {
	return r.updateIncident(id, func(inc *store.Incident) {
		at := testNow
		inc.Status = status
		inc.ResolvedAt = &at
		inc.ResolvedBy = resolver
		inc.ResolutionNote = note
	})
}

func (r *memRepo) AddAudit(_ context.Context, entry store.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.ID = int64(len(r.audit) + 1)
	entry.At = testNow
	r.audit = append(r.audit, entry)
	return nil
}

func (r *memRepo) ListAudit(_ context.Context, communityID, sheetID string, limit int) ([]store.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.AuditEntry
	for i := len(r.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.audit[i]
		if e.CommunityID == communityID && e.SheetID == sheetID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memRepo) auditKinds(sheetID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.audit {
		if e.SheetID == sheetID {
			out = append(out, e.Kind)
		}
	}
	return out
}

func (r *memRepo) GetSettings(_ context.Context, communityID string) (store.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settings[communityID]
	if !ok {
		s = store.DefaultSettings(communityID)
		r.settings[communityID] = s
	}
	return s, nil
}

func (r *memRepo) SetLastScan(_ context.Context, communityID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settings[communityID]
	if !ok {
		s = store.DefaultSettings(communityID)
	}
	s.LastScanAt = &at
	r.settings[communityID] = s
	return nil
}

func (r *memRepo) configure(communityID string, fn func(*store.Settings)) {
	s, _ := r.GetSettings(context.Background(), communityID)
	fn(&s)
	r.mu.Lock()
	r.settings[communityID] = s
	r.mu.Unlock()
}

type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[string]string
	errs  map[string]error
	calls int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{docs: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeFetcher) set(id, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[id] = text
	delete(f.errs, id)
}

func (f *fakeFetcher) fail(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[id] = err
}

func (f *fakeFetcher) FetchBest(_ context.Context, id string) (gdocs.Export, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[id]; err != nil {
		return gdocs.Export{}, err
	}
	text, ok := f.docs[id]
	if !ok {
		return gdocs.Export{}, fmt.Errorf("%w: HTTP 404", gdocs.ErrFetch)
	}
	return gdocs.Export{DocID: id, Text: text, Format: gdocs.FormatMarkdown, FetchedAt: testNow}, nil
}

type postedFile struct {
	channelID, content, filename string
	data                         []byte
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []Alert
	edits  []Alert
	texts  []string
	files  []postedFile
}

func (a *fakeAlerter) PostAlert(_ context.Context, channelID string, alert Alert) (store.AlertRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return store.AlertRef{ChannelID: channelID, MessageID: fmt.Sprintf("msg_%d", len(a.alerts))}, nil
}

func (a *fakeAlerter) EditAlert(_ context.Context, _ store.AlertRef, alert Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edits = append(a.edits, alert)
	return nil
}

func (a *fakeAlerter) PostText(_ context.Context, _ string, content string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, content)
	return nil
}

func (a *fakeAlerter) PostFile(_ context.Context, channelID, content, filename string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files = append(a.files, postedFile{channelID, content, filename, data})
	return nil
}

func (a *fakeAlerter) lastEdit() Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.edits) == 0 {
		return Alert{}
	}
	return a.edits[len(a.edits)-1]
}

type fakeMessages struct {
	byID    map[string]Message
	history map[string][]Message
}

func (m *fakeMessages) FetchMessage(_ context.Context, channelID, messageID string) (Message, error) {
	msg, ok := m.byID[messageID]
	if !ok {
		return Message{}, fmt.Errorf("message %s/%s not found", channelID, messageID)
	}
	return msg, nil
}

func (m *fakeMessages) ChannelHistory(_ context.Context, channelID string, limit int) ([]Message, error) {
	msgs := m.history[channelID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

type harness struct {
	engine   *Engine
	repo     *memRepo
	fetcher  *fakeFetcher
	alerter  *fakeAlerter
	queue    *queue.Memory
	messages *fakeMessages
}

const (
	testCommunity = "guild-1"
	testChannel   = "announce-1"
	testAlerts    = "mods-1"
	testModRole   = "role-mod"
	testOwner     = "111111111111111111"
	testDoc       = "1AbCdEfGhIjKlMnOpQrStUv"
)

func newHarness() *harness {
	h := &harness{
		repo:     newMemRepo(),
		fetcher:  newFakeFetcher(),
		alerter:  &fakeAlerter{},
		queue:    queue.NewMemory(),
		messages: &fakeMessages{byID: map[string]Message{}, history: map[string][]Message{}},
	}
	h.engine = New(Deps{
		Repo:     h.repo,
		Fetcher:  h.fetcher,
		Queue:    h.queue,
		Alerter:  h.alerter,
		Messages: h.messages,
	}, Config{})
	h.engine.now = func() time.Time { return testNow }
	h.engine.sleep = func(context.Context, time.Duration) {}
	h.engine.shuffle = func([]store.Sheet) {}
	h.repo.configure(testCommunity, func(s *store.Settings) {
		s.TrackedChannelIDs = []string{testChannel}
		s.ModAlertChannelID = testAlerts
		s.ModRoleIDs = []string{testModRole}
	})
	return h
}

// seedApproved registers testDoc with text as its approved baseline.
func (h *harness) seedApproved(text string) store.Sheet {
	ctx := context.Background()
	_, _ = h.repo.UpsertSheet(ctx, store.Sheet{
		ID:          testDoc,
		CommunityID: testCommunity,
		OwnerID:     testOwner,
		URL:         "https://docs.google.com/document/d/" + testDoc + "/edit",
	})
	_ = h.repo.ApproveBaseline(ctx, testCommunity, testDoc, store.SystemActor, SnapshotFromText(text, gdocs.FormatMarkdown))
	h.fetcher.set(testDoc, text)
	return h.repo.sheet(testDoc)
}

func moderator() Actor {
	return Actor{CommunityID: testCommunity, Identity: rbac.Identity{UserID: "222", RoleIDs: []string{testModRole}}}
}

func member() Actor {
	return Actor{CommunityID: testCommunity, Identity: rbac.Identity{UserID: "333", RoleIDs: []string{"role-other"}}}
}

const (
	originalSheet = "# Backstory\nBorn in a quiet harbor town.\n\n# Abilities\nSwordplay and sailing."
	editedSheet   = "# Backstory\nBorn in a quiet harbor town.\n\n# Abilities\nSwordplay, sailing and flight."
	otherEdit     = "# Backstory\nBorn in a quiet harbor town.\n\n# Abilities\nSwordplay, sailing and teleportation."
)
