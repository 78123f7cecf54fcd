package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/endharassment/spamgate/internal/audit"
	"github.com/endharassment/spamgate/internal/ban"
	"github.com/endharassment/spamgate/internal/config"
	"github.com/endharassment/spamgate/internal/gate"
	"github.com/endharassment/spamgate/internal/model"
	"github.com/endharassment/spamgate/internal/policy"
	"github.com/endharassment/spamgate/internal/profile"
	"github.com/endharassment/spamgate/internal/sfs"
	"github.com/endharassment/spamgate/internal/store"
)

const testAPIKey = "test-admin-key"

const (
	listedIP   = "198.51.100.7"
	listedBody = `{"success":1,"ip":[{"value":"198.51.100.7","appears":1,"frequency":255,"confidence":99.5}]}`
	cleanBody  = `{"success":1,"ip":[{"value":"203.0.113.5","appears":0,"frequency":0}]}`
)

// fakeSFS answers lookups with listedBody when the listed IP is queried and
// cleanBody otherwise, and accepts submissions on /add.
type fakeSFS struct {
	mu      sync.Mutex
	lookups int
	submits int
}

func (f *fakeSFS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.URL.Path {
	case "/api":
		f.lookups++
		for _, ip := range r.URL.Query()["ip[]"] {
			if ip == listedIP {
				io.WriteString(w, listedBody)
				return
			}
		}
		io.WriteString(w, cleanBody)
	case "/add":
		f.submits++
		io.WriteString(w, "Data submitted successfully")
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeSFS) counts() (lookups, submits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups, f.submits
}

type testServer struct {
	srv   *Server
	store *store.SQLiteStore
	fake  *fakeSFS
}

func testSettings() config.Settings {
	s := config.Default()
	s.UsernameCheck = true
	s.EmailCheck = true
	s.IPCheck = true
	s.SubmissionEnabled = true
	s.APIKey = "sfs-key"
	return s
}

func newTestServer(t *testing.T, s config.Settings) *testServer {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLiteStore(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fake := &fakeSFS{}
	upstream := httptest.NewServer(fake)
	t.Cleanup(upstream.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := sfs.NewClient(s, logger, sfs.WithEndpoint(upstream.URL), sfs.WithSubmitURL(upstream.URL+"/add"))
	bans := ban.NewController(st, s, logger)
	auditLog := audit.NewLogger(st, s.DebugLog, logger)
	checker := gate.NewChecker(s, client, policy.NewEvaluator(s, bans, logger), auditLog, logger)
	tracker := profile.NewTracker(client, profile.NewMemoryCache(time.Minute), nil, nil, logger)

	cfg := Config{AdminAPIKey: testAPIKey, RateLimits: DefaultRateLimiterConfig()}
	cfg.RateLimits.CleanupInterval = time.Hour
	srv := NewServer(cfg, Deps{
		Checker: checker,
		Audit:   auditLog,
		Bans:    bans,
		Tracker: tracker,
		Client:  client,
		Store:   st,
	}, logger)
	t.Cleanup(srv.Stop)

	return &testServer{srv: srv, store: st, fake: fake}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "10.0.0.1:4000"
	if admin {
		req.Header.Set(apiKeyHeader, testAPIKey)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCheckRegister(t *testing.T) {
	tests := []struct {
		name        string
		req         registerRequest
		wantStatus  int
		wantOutcome string
	}{
		{
			name:        "listed ip is blocked",
			req:         registerRequest{Requester: model.Requester{IsGuest: true, Username: "spammy", IP: listedIP}},
			wantStatus:  http.StatusForbidden,
			wantOutcome: "blocked",
		},
		{
			name:        "clean requester is allowed",
			req:         registerRequest{Requester: model.Requester{IsGuest: true, Username: "alice", IP: "203.0.113.5"}},
			wantStatus:  http.StatusOK,
			wantOutcome: "allowed",
		},
		{
			name:        "admin-created account is not checked",
			req:         registerRequest{Requester: model.Requester{IP: listedIP}, FromAdmin: true},
			wantStatus:  http.StatusOK,
			wantOutcome: "not_checked",
		},
		{
			name:        "nothing to send fails open",
			req:         registerRequest{Requester: model.Requester{IsGuest: true}},
			wantStatus:  http.StatusOK,
			wantOutcome: "no_signals",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, testSettings())
			rec := ts.do(t, http.MethodPost, "/v1/check/register", tt.req, false)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			resp := decodeBody[checkResponse](t, rec)
			if resp.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %q, want %q", resp.Outcome, tt.wantOutcome)
			}
			if resp.Allowed == (tt.wantStatus == http.StatusForbidden) {
				t.Errorf("allowed = %v", resp.Allowed)
			}
			if tt.wantStatus == http.StatusForbidden {
				if resp.Error != gate.ErrRequestBlocked.Error() {
					t.Errorf("error = %q", resp.Error)
				}
				if strings.Contains(resp.Error, listedIP) {
					t.Error("rejection must not reveal the matched value")
				}
			}
		})
	}
}

func TestCheckRegisterUnavailableFailsOpen(t *testing.T) {
	ts := newTestServer(t, testSettings())
	s := testSettings()
	dead := httptest.NewServer(http.NotFoundHandler())
	endpoint := dead.URL
	dead.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := sfs.NewClient(s, logger, sfs.WithEndpoint(endpoint))
	bans := ban.NewController(ts.store, s, logger)
	auditLog := audit.NewLogger(ts.store, false, logger)
	ts.srv.deps.Checker = gate.NewChecker(s, client, policy.NewEvaluator(s, bans, logger), auditLog, logger)

	rec := ts.do(t, http.MethodPost, "/v1/check/register",
		registerRequest{Requester: model.Requester{IsGuest: true, IP: listedIP}}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decodeBody[checkResponse](t, rec).Outcome; got != "unavailable" {
		t.Errorf("outcome = %q, want unavailable", got)
	}
}

func TestVerify(t *testing.T) {
	ts := newTestServer(t, testSettings())

	tests := []struct {
		name        string
		purpose     string
		req         verifyRequest
		wantStatus  int
		wantOutcome string
	}{
		{
			name:        "guest post from listed ip",
			purpose:     "post",
			req:         verifyRequest{Requester: model.Requester{IsGuest: true, IP: listedIP}},
			wantStatus:  http.StatusForbidden,
			wantOutcome: "blocked",
		},
		{
			name:        "established member post is not gated",
			purpose:     "post",
			req:         verifyRequest{Requester: model.Requester{MemberID: 5, Posts: 100, IP: listedIP}},
			wantStatus:  http.StatusOK,
			wantOutcome: "not_checked",
		},
		{
			name:        "purpose not enabled",
			purpose:     "search",
			req:         verifyRequest{Requester: model.Requester{IsGuest: true, IP: listedIP}},
			wantStatus:  http.StatusOK,
			wantOutcome: "not_checked",
		},
		{
			name:       "register must use its own route",
			purpose:    "register",
			req:        verifyRequest{Requester: model.Requester{IsGuest: true, IP: listedIP}},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/check/verify/"+tt.purpose, tt.req, false)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantOutcome == "" {
				return
			}
			if got := decodeBody[checkResponse](t, rec).Outcome; got != tt.wantOutcome {
				t.Errorf("outcome = %q, want %q", got, tt.wantOutcome)
			}
		})
	}
}

func TestAdminRequiresKey(t *testing.T) {
	ts := newTestServer(t, testSettings())
	rec := ts.do(t, http.MethodGet, "/v1/admin/logs", nil, false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAdminLogs(t *testing.T) {
	ts := newTestServer(t, testSettings())
	blocked := registerRequest{Requester: model.Requester{IsGuest: true, Username: "spammy", IP: listedIP, URL: "https://forum.example/index.php?action=register"}}
	if rec := ts.do(t, http.MethodPost, "/v1/check/register", blocked, false); rec.Code != http.StatusForbidden {
		t.Fatalf("register status = %d", rec.Code)
	}

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantTotal  int
	}{
		{"all", "", http.StatusOK, 1},
		{"by type name", "?type=ip", http.StatusOK, 1},
		{"by other type", "?type=email,username", http.StatusOK, 0},
		{"search ip", "?field=ip&search=198.51", http.StatusOK, 1},
		{"search miss", "?field=username&search=alice", http.StatusOK, 0},
		{"bad type", "?type=bogus", http.StatusBadRequest, 0},
		{"bad limit", "?limit=-1", http.StatusBadRequest, 0},
		{"bad field", "?field=password&search=x", http.StatusInternalServerError, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, "/v1/admin/logs"+tt.query, nil, true)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			resp := decodeBody[logListResponse](t, rec)
			if resp.Total != tt.wantTotal || len(resp.Entries) != tt.wantTotal {
				t.Errorf("total = %d entries = %d, want %d", resp.Total, len(resp.Entries), tt.wantTotal)
			}
		})
	}

	rec := ts.do(t, http.MethodGet, "/v1/admin/logs", nil, true)
	entry := decodeBody[logListResponse](t, rec).Entries[0]
	if entry.Type != "IP Address" {
		t.Errorf("type = %q", entry.Type)
	}
	if len(entry.Result) == 0 || !strings.Contains(entry.Result[0], listedIP) {
		t.Errorf("result = %v", entry.Result)
	}
	if strings.Contains(entry.URL, "https://") {
		t.Errorf("url should be defanged: %q", entry.URL)
	}
}

func TestAdminRemoveLogsKeepsRecentEntries(t *testing.T) {
	ts := newTestServer(t, testSettings())
	ctx := context.Background()

	old := &model.LogEntry{Type: model.LogIP, Time: time.Now().Add(-48 * time.Hour), IP: listedIP, Result: "ip,198.51.100.7,0"}
	recent := &model.LogEntry{Type: model.LogIP, Time: time.Now(), IP: listedIP, Result: "ip,198.51.100.7,0"}
	for _, e := range []*model.LogEntry{old, recent} {
		if err := ts.store.CreateLogEntry(ctx, e); err != nil {
			t.Fatalf("CreateLogEntry: %v", err)
		}
	}

	rec := ts.do(t, http.MethodPost, "/v1/admin/logs/delete", map[string][]int64{"ids": {old.ID, recent.ID}}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[removedResponse](t, rec).Removed; got != 1 {
		t.Errorf("removed = %d, want 1", got)
	}

	rec = ts.do(t, http.MethodDelete, "/v1/admin/logs", nil, true)
	if got := decodeBody[removedResponse](t, rec).Removed; got != 0 {
		t.Errorf("purge removed = %d, want 0", got)
	}
	if _, err := ts.store.GetLogEntry(ctx, recent.ID); err != nil {
		t.Errorf("recent entry should survive: %v", err)
	}
}

func TestAdminTrackMember(t *testing.T) {
	ts := newTestServer(t, testSettings())

	path := "/v1/admin/members/12/track?username=spammy&ip=" + listedIP
	rec := ts.do(t, http.MethodGet, path, nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	p := decodeBody[profile.Profile](t, rec)
	if p.Subject.MemberID != 12 || p.Records == nil || len(p.Records.IP) != 1 || !p.Records.IP[0].Appears {
		t.Errorf("profile = %+v", p)
	}

	ts.do(t, http.MethodGet, path, nil, true)
	if lookups, _ := ts.fake.counts(); lookups != 1 {
		t.Errorf("lookups = %d, want 1 (second served from cache)", lookups)
	}

	if rec := ts.do(t, http.MethodGet, "/v1/admin/members/abc/track", nil, true); rec.Code != http.StatusBadRequest {
		t.Errorf("bad member id status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/v1/admin/members/13/track", nil, true); rec.Code != http.StatusBadRequest {
		t.Errorf("empty subject status = %d", rec.Code)
	}
}

func TestAdminSubmitMember(t *testing.T) {
	ts := newTestServer(t, testSettings())
	body := submitRequest{Username: "spammy", Email: "spam@example.com", IP: listedIP, Evidence: "buy pills"}

	wantCodes := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i, want := range wantCodes {
		rec := ts.do(t, http.MethodPost, "/v1/admin/members/7/submit", body, true)
		if rec.Code != want {
			t.Fatalf("submit %d status = %d, want %d: %s", i, rec.Code, want, rec.Body.String())
		}
	}
	if _, submits := ts.fake.counts(); submits != 2 {
		t.Errorf("submits = %d, want 2", submits)
	}

	actions, err := ts.store.ListAdminActions(context.Background(), "sfs_submit")
	if err != nil {
		t.Fatalf("ListAdminActions: %v", err)
	}
	if len(actions) != 2 || actions[0].MemberID != 7 {
		t.Errorf("actions = %+v", actions)
	}
}

func TestAdminSubmitDisabled(t *testing.T) {
	s := testSettings()
	s.SubmissionEnabled = false
	ts := newTestServer(t, s)
	rec := ts.do(t, http.MethodPost, "/v1/admin/members/7/submit", submitRequest{IP: listedIP}, true)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestAdminTestAPI(t *testing.T) {
	ts := newTestServer(t, testSettings())

	rec := ts.do(t, http.MethodPost, "/v1/admin/test", testRequest{IP: listedIP}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	records := decodeBody[model.Records](t, rec)
	if len(records.IP) != 1 || records.IP[0].Frequency != model.BlacklistFrequency {
		t.Errorf("records = %+v", records)
	}

	// Testing the API never logs or bans.
	n, err := ts.store.CountLogEntries(context.Background(), model.LogFilter{})
	if err != nil || n != 0 {
		t.Errorf("log entries = %d, %v", n, err)
	}

	if rec := ts.do(t, http.MethodPost, "/v1/admin/test", testRequest{}, true); rec.Code != http.StatusBadRequest {
		t.Errorf("empty test status = %d, want 400", rec.Code)
	}
}

func TestAdminEnsureBanGroup(t *testing.T) {
	ts := newTestServer(t, testSettings())

	var first int64
	for range 2 {
		rec := ts.do(t, http.MethodPost, "/v1/admin/bangroup", nil, true)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		resp := decodeBody[struct {
			GroupID int64  `json:"group_id"`
			Name    string `json:"name"`
		}](t, rec)
		if resp.Name != config.DefaultBanGroupName {
			t.Errorf("name = %q", resp.Name)
		}
		if first == 0 {
			first = resp.GroupID
		} else if resp.GroupID != first {
			t.Errorf("group id changed: %d then %d", first, resp.GroupID)
		}
	}
}
