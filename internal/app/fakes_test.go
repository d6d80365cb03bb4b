package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nattyright/grail-kun/internal/gitrepo"
	"github.com/nattyright/grail-kun/internal/report"
	"github.com/nattyright/grail-kun/internal/search"
	"github.com/nattyright/grail-kun/internal/store"
	"github.com/nattyright/grail-kun/internal/watch"
)

const (
	testSecret    = "test-secret"
	testCommunity = "guild-1"
	testModRole   = "role-mod"
)

type fakeStore struct {
	pingFn               func(context.Context) error
	settings             store.Settings
	putFn                func(context.Context, string, map[string]any) error
	getSheetFn           func(context.Context, string) (store.Sheet, error)
	getIncidentFn        func(context.Context, string) (store.Incident, error)
	listSheetsForOwnerFn func(context.Context, string, string, bool) ([]store.Sheet, error)
	setSheetUsedFn       func(context.Context, string, bool) error
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetSettings(_ context.Context, communityID string) (store.Settings, error) {
	st := f.settings
	st.CommunityID = communityID
	return st, nil
}

func (f *fakeStore) PutSettings(ctx context.Context, communityID string, values map[string]any) error {
	if f.putFn != nil {
		return f.putFn(ctx, communityID, values)
	}
	return nil
}

func (f *fakeStore) GetSheet(ctx context.Context, id string) (store.Sheet, error) {
	if f.getSheetFn != nil {
		return f.getSheetFn(ctx, id)
	}
	return store.Sheet{}, store.ErrNotFound
}

func (f *fakeStore) GetIncident(ctx context.Context, id string) (store.Incident, error) {
	if f.getIncidentFn != nil {
		return f.getIncidentFn(ctx, id)
	}
	return store.Incident{}, store.ErrNotFound
}

func (f *fakeStore) ListSheetsForOwner(ctx context.Context, communityID, ownerID string, used bool) ([]store.Sheet, error) {
	if f.listSheetsForOwnerFn != nil {
		return f.listSheetsForOwnerFn(ctx, communityID, ownerID, used)
	}
	return nil, nil
}

func (f *fakeStore) CountUnusedSheets(context.Context, string, string) (int, error) {
	return 0, nil
}

func (f *fakeStore) SetSheetUsed(ctx context.Context, id string, used bool) error {
	if f.setSheetUsedFn != nil {
		return f.setSheetUsedFn(ctx, id, used)
	}
	return nil
}

type fakeEngine struct {
	onNewMessageFn func(context.Context, watch.Message) (int, error)
	rescanFn       func(context.Context, string) (watch.RescanReport, error)
	lookupFn       func(context.Context, string, string) (store.Sheet, error)
	manualCheckFn  func(context.Context, watch.Actor, string) (watch.CheckReport, error)
	approveFn      func(context.Context, watch.Actor, string) error
	recheckFn      func(context.Context, watch.Actor, string) (bool, error)
	postDiffsFn    func(context.Context, watch.Actor, string) (int, error)
}

func (f *fakeEngine) OnNewMessage(ctx context.Context, msg watch.Message) (int, error) {
	if f.onNewMessageFn != nil {
		return f.onNewMessageFn(ctx, msg)
	}
	return 0, nil
}

func (f *fakeEngine) OnEditedMessage(context.Context, string, string, string) (int, error) {
	return 0, nil
}

func (f *fakeEngine) Rescan(ctx context.Context, communityID string) (watch.RescanReport, error) {
	if f.rescanFn != nil {
		return f.rescanFn(ctx, communityID)
	}
	return watch.RescanReport{}, nil
}

func (f *fakeEngine) LookupSheet(ctx context.Context, communityID, ref string) (store.Sheet, error) {
	if f.lookupFn != nil {
		return f.lookupFn(ctx, communityID, ref)
	}
	return store.Sheet{}, watch.ErrNotTracked
}

func (f *fakeEngine) ManualCheck(ctx context.Context, actor watch.Actor, ref string) (watch.CheckReport, error) {
	if f.manualCheckFn != nil {
		return f.manualCheckFn(ctx, actor, ref)
	}
	return watch.CheckReport{}, nil
}

func (f *fakeEngine) ManualDiff(context.Context, watch.Actor, string) (watch.DiffReport, error) {
	return watch.DiffReport{}, nil
}

func (f *fakeEngine) AuditLog(context.Context, watch.Actor, string, int) (store.Sheet, []store.AuditEntry, error) {
	return store.Sheet{ID: "docAAAAAAAAAAA"}, []store.AuditEntry{{
		Kind:    store.AuditIncidentOpened,
		At:      time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
		Details: map[string]any{"incident_id": "inc_1"},
	}}, nil
}

func (f *fakeEngine) Approve(ctx context.Context, actor watch.Actor, id string) error {
	if f.approveFn != nil {
		return f.approveFn(ctx, actor, id)
	}
	return nil
}

func (f *fakeEngine) Reject(context.Context, watch.Actor, string) error  { return nil }
func (f *fakeEngine) Dismiss(context.Context, watch.Actor, string) error { return nil }

func (f *fakeEngine) Recheck(ctx context.Context, actor watch.Actor, id string) (bool, error) {
	if f.recheckFn != nil {
		return f.recheckFn(ctx, actor, id)
	}
	return false, nil
}

func (f *fakeEngine) PostDiffs(ctx context.Context, actor watch.Actor, id string) (int, error) {
	if f.postDiffsFn != nil {
		return f.postDiffsFn(ctx, actor, id)
	}
	return 0, nil
}

type fakeSearch struct {
	last search.Query
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.last = q
	return search.Response{Results: []search.Result{{ID: "docAAAAAAAAAAA"}}, Total: 1, Query: q.Text}
}

type fakeHistory struct{}

func (fakeHistory) History(string, int) ([]gitrepo.Commit, error) {
	return []gitrepo.Commit{{Hash: "abc1234", Approver: "222"}}, nil
}

type fakeReports struct{}

func (fakeReports) Render(_ context.Context, inc store.Incident, _ store.Sheet, format report.Format) (*report.Result, error) {
	if format == report.FormatPDF {
		return nil, report.ErrPDFDependencyMissing
	}
	return &report.Result{Data: []byte("<h1>" + inc.ID + "</h1>"), Filename: "incident-" + inc.ID + ".html", MimeType: "text/html; charset=utf-8"}, nil
}

type testEnv struct {
	store  *fakeStore
	engine *fakeEngine
	search *fakeSearch
	svc    *Service
	server http.Handler
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:  &fakeStore{settings: store.Settings{ModRoleIDs: []string{testModRole}}},
		engine: &fakeEngine{},
		search: &fakeSearch{},
	}
	env.svc = New(Deps{
		Store:       env.store,
		Engine:      env.engine,
		Search:      env.search,
		History:     fakeHistory{},
		Reports:     fakeReports{},
		TokenSecret: testSecret,
	})
	env.server = NewHTTPServer(env.svc, http.NotFoundHandler(), "*", nil).Handler()
	return env
}

func (env *testEnv) token(t *testing.T, session Session) string {
	t.Helper()
	token, err := env.svc.IssueToken(session, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func moderatorSession() Session {
	return Session{UserID: "222", CommunityID: testCommunity, RoleIDs: []string{testModRole}}
}

func memberSession() Session {
	return Session{UserID: "333", CommunityID: testCommunity}
}

func adminSession() Session {
	return Session{UserID: "111", CommunityID: testCommunity, Admin: true}
}

func (env *testEnv) do(t *testing.T, session *Session, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if session != nil {
		req.Header.Set("Authorization", "Bearer "+env.token(t, *session))
	}
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)
	return rr
}
