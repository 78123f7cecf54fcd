package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/endharassment/spamgate/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(context.Background(), dir+"/test.db")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedLog(t *testing.T, s *SQLiteStore, e *model.LogEntry) int64 {
	t.Helper()
	if err := s.CreateLogEntry(context.Background(), e); err != nil {
		t.Fatalf("CreateLogEntry: %v", err)
	}
	return e.ID
}

func TestCreateAndGetLogEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	id := seedLog(t, s, &model.LogEntry{
		Type:     model.LogIP,
		Time:     when,
		URL:      "https://forum.example/post",
		MemberID: 7,
		Username: "spammer",
		IP:       "1.2.3.4",
		IP2:      "5.6.7.8",
		Checks:   `{"value":"1.2.3.4","appears":true,"frequency":255}`,
		Result:   "ip,1.2.3.4,1",
	})

	got, err := s.GetLogEntry(ctx, id)
	if err != nil {
		t.Fatalf("GetLogEntry: %v", err)
	}
	if got.Type != model.LogIP || got.MemberID != 7 || got.IP2 != "5.6.7.8" {
		t.Errorf("got %+v", got)
	}
	if !got.Time.Equal(when) {
		t.Errorf("Time = %v, want %v", got.Time, when)
	}
	if got.Result != "ip,1.2.3.4,1" {
		t.Errorf("Result = %q", got.Result)
	}

	if _, err := s.GetLogEntry(ctx, id+100); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing entry err = %v, want ErrNotFound", err)
	}
}

func TestDeleteLogEntriesRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	cutoff := now.Add(-24 * time.Hour)

	recent := seedLog(t, s, &model.LogEntry{Type: model.LogIP, Time: now.Add(-23 * time.Hour)})
	old := seedLog(t, s, &model.LogEntry{Type: model.LogIP, Time: now.Add(-25 * time.Hour)})

	n, err := s.DeleteLogEntriesBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteLogEntriesBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}
	if _, err := s.GetLogEntry(ctx, old); !errors.Is(err, ErrNotFound) {
		t.Error("old entry should be gone")
	}
	if _, err := s.GetLogEntry(ctx, recent); err != nil {
		t.Errorf("recent entry should survive: %v", err)
	}
}

func TestDeleteSelectedLogEntriesRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	recent := seedLog(t, s, &model.LogEntry{Type: model.LogEmail, Time: now.Add(-23 * time.Hour)})
	old := seedLog(t, s, &model.LogEntry{Type: model.LogEmail, Time: now.Add(-25 * time.Hour)})
	untouched := seedLog(t, s, &model.LogEntry{Type: model.LogEmail, Time: now.Add(-48 * time.Hour)})

	n, err := s.DeleteLogEntries(ctx, []int64{recent, old}, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteLogEntries: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}
	for _, id := range []int64{recent, untouched} {
		if _, err := s.GetLogEntry(ctx, id); err != nil {
			t.Errorf("entry %d should survive: %v", id, err)
		}
	}

	if n, err := s.DeleteLogEntries(ctx, nil, now); err != nil || n != 0 {
		t.Errorf("empty id list = %d, %v", n, err)
	}
}

func TestListLogEntriesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	seedLog(t, s, &model.LogEntry{Type: model.LogIP, Time: base, IP: "1.2.3.4", Username: "alice"})
	seedLog(t, s, &model.LogEntry{Type: model.LogEmail, Time: base.Add(time.Minute), Email: "spam_bot@example.com", MemberID: 12})
	seedLog(t, s, &model.LogEntry{Type: model.LogDebug, Time: base.Add(2 * time.Minute), Result: "trace"})
	seedLog(t, s, &model.LogEntry{Type: model.LogUsername, Time: base.Add(3 * time.Minute), Email: "spamXbot@example.com", MemberID: 120})

	tests := []struct {
		name   string
		filter model.LogFilter
		want   int
	}{
		{"all", model.LogFilter{}, 4},
		{"blocked types", model.LogFilter{Types: []model.LogType{model.LogUsername, model.LogEmail, model.LogIP}}, 3},
		{"debug only", model.LogFilter{Types: []model.LogType{model.LogDebug}}, 1},
		{"ip substring", model.LogFilter{SearchField: "ip", Search: "2.3"}, 1},
		{"underscore is literal", model.LogFilter{SearchField: "email", Search: "spam_bot"}, 1},
		{"member is exact", model.LogFilter{SearchField: "member", Search: "12"}, 1},
		{"paged", model.LogFilter{Limit: 2, Offset: 1}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListLogEntries(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListLogEntries: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d entries, want %d", len(got), tt.want)
			}
			if tt.filter.Limit == 0 {
				n, err := s.CountLogEntries(ctx, tt.filter)
				if err != nil {
					t.Fatalf("CountLogEntries: %v", err)
				}
				if n != tt.want {
					t.Errorf("count = %d, want %d", n, tt.want)
				}
			}
		})
	}

	all, _ := s.ListLogEntries(ctx, model.LogFilter{})
	if all[0].Type != model.LogUsername {
		t.Errorf("newest first: got type %v", all[0].Type)
	}

	if _, err := s.ListLogEntries(ctx, model.LogFilter{SearchField: "checks", Search: "x"}); err == nil {
		t.Error("expected error for unknown search field")
	}
}

func TestBanGroupsAndTriggers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetBanGroupByName(ctx, "SFS Automatic IP Ba"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	g := &model.BanGroup{
		Name:           "SFS Automatic IP Ba",
		CannotAccess:   true,
		CannotRegister: true,
		CannotPost:     true,
		CannotLogin:    true,
		Reason:         "poor reputation",
	}
	if err := s.CreateBanGroup(ctx, g); err != nil {
		t.Fatalf("CreateBanGroup: %v", err)
	}
	if g.ID == 0 {
		t.Fatal("expected group id to be set")
	}

	got, err := s.GetBanGroupByName(ctx, g.Name)
	if err != nil {
		t.Fatalf("GetBanGroupByName: %v", err)
	}
	if got.ID != g.ID || !got.CannotLogin || got.ExpireTime != nil {
		t.Errorf("got %+v", got)
	}

	exists, err := s.BanTriggerExists(ctx, g.ID, "1.2.3.4", "1.2.3.4")
	if err != nil || exists {
		t.Fatalf("BanTriggerExists before insert = %v, %v", exists, err)
	}
	if err := s.CreateBanTrigger(ctx, &model.BanTrigger{GroupID: g.ID, IPLow: "1.2.3.4", IPHigh: "1.2.3.4"}); err != nil {
		t.Fatalf("CreateBanTrigger: %v", err)
	}
	exists, err = s.BanTriggerExists(ctx, g.ID, "1.2.3.4", "1.2.3.4")
	if err != nil || !exists {
		t.Fatalf("BanTriggerExists after insert = %v, %v", exists, err)
	}

	triggers, err := s.ListBanTriggers(ctx, g.ID)
	if err != nil {
		t.Fatalf("ListBanTriggers: %v", err)
	}
	if len(triggers) != 1 || triggers[0].IPLow != "1.2.3.4" {
		t.Errorf("triggers = %+v", triggers)
	}
}

func TestSettingsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "autoban_group_id"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.SetSetting(ctx, "autoban_group_id", "3"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting(ctx, "autoban_group_id", "4"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	v, err := s.GetSetting(ctx, "autoban_group_id")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if v != "4" {
		t.Errorf("value = %q, want 4", v)
	}
}

func TestAdminActions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, action := range []string{"ban", "submit", "ban"} {
		err := s.CreateAdminAction(ctx, &model.AdminAction{
			ID:        string(rune('a' + i)),
			Action:    action,
			Details:   `{"source":"sfs"}`,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("CreateAdminAction: %v", err)
		}
	}

	bans, err := s.ListAdminActions(ctx, "ban")
	if err != nil {
		t.Fatalf("ListAdminActions: %v", err)
	}
	if len(bans) != 2 {
		t.Errorf("got %d ban actions, want 2", len(bans))
	}
	all, _ := s.ListAdminActions(ctx, "")
	if len(all) != 3 {
		t.Errorf("got %d actions, want 3", len(all))
	}
}
