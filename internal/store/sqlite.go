package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/endharassment/spamgate/internal/model"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeFormat = "2006-01-02 15:04:05"

// SQLiteStore implements Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens a SQLite database at the given path and runs migrations.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename to ensure order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

// --- Spam check log ---

const logColumns = `id, id_type, log_time, url, id_member, username, email, ip, ip2, checks, result`

// searchColumns maps the admin search fields onto log columns.
var searchColumns = map[string]string{
	"url":      "url",
	"member":   "id_member",
	"username": "username",
	"email":    "email",
	"ip":       "ip",
	"ip2":      "ip2",
}

func (s *SQLiteStore) CreateLogEntry(ctx context.Context, e *model.LogEntry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO log_sfs (id_type, log_time, url, id_member, username, email, ip, ip2, checks, result)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int(e.Type), e.Time.Unix(), e.URL, e.MemberID, e.Username, e.Email, e.IP, e.IP2, e.Checks, e.Result)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("log entry id: %w", err)
	}
	e.ID = id
	return nil
}

func (s *SQLiteStore) GetLogEntry(ctx context.Context, id int64) (*model.LogEntry, error) {
	e, err := s.scanLogEntry(s.db.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM log_sfs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *SQLiteStore) ListLogEntries(ctx context.Context, filter model.LogFilter) ([]*model.LogEntry, error) {
	where, args, err := logFilterClause(filter)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + logColumns + ` FROM log_sfs` + where + ` ORDER BY log_time DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.LogEntry
	for rows.Next() {
		e, err := s.scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) CountLogEntries(ctx context.Context, filter model.LogFilter) (int, error) {
	where, args, err := logFilterClause(filter)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_sfs`+where, args...).Scan(&n)
	return n, err
}

// DeleteLogEntriesBefore removes every entry logged strictly before cutoff.
func (s *SQLiteStore) DeleteLogEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM log_sfs WHERE log_time < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete log entries: %w", err)
	}
	return res.RowsAffected()
}

// DeleteLogEntries removes the listed entries, skipping any logged at or
// after cutoff.
func (s *SQLiteStore) DeleteLogEntries(ctx context.Context, ids []int64, cutoff time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, cutoff.Unix())
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(`DELETE FROM log_sfs WHERE log_time < ? AND id IN (%s)`, strings.Join(placeholders, ","))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete log entries: %w", err)
	}
	return res.RowsAffected()
}

func logFilterClause(filter model.LogFilter) (string, []interface{}, error) {
	var conds []string
	var args []interface{}

	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, int(t))
		}
		conds = append(conds, fmt.Sprintf("id_type IN (%s)", strings.Join(placeholders, ",")))
	}

	if filter.Search != "" {
		col, ok := searchColumns[filter.SearchField]
		if !ok {
			return "", nil, fmt.Errorf("unknown search field %q", filter.SearchField)
		}
		if col == "id_member" {
			conds = append(conds, "CAST(id_member AS TEXT) = ?")
			args = append(args, filter.Search)
		} else {
			conds = append(conds, col+` LIKE ? ESCAPE '\'`)
			args = append(args, "%"+likeEscaper.Replace(filter.Search)+"%")
		}
	}

	if len(conds) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func (s *SQLiteStore) scanLogEntry(row scannable) (*model.LogEntry, error) {
	var e model.LogEntry
	var logType int
	var logTime int64
	err := row.Scan(&e.ID, &logType, &logTime, &e.URL, &e.MemberID, &e.Username, &e.Email,
		&e.IP, &e.IP2, &e.Checks, &e.Result)
	if err != nil {
		return nil, err
	}
	e.Type = model.LogType(logType)
	e.Time = time.Unix(logTime, 0).UTC()
	return &e, nil
}

// --- Ban groups ---

const banGroupColumns = `id, name, ban_time, expire_time, cannot_access, cannot_register, cannot_post, cannot_login, reason, notes`

func (s *SQLiteStore) GetBanGroup(ctx context.Context, id int64) (*model.BanGroup, error) {
	g, err := s.scanBanGroup(s.db.QueryRowContext(ctx,
		`SELECT `+banGroupColumns+` FROM ban_groups WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

// GetBanGroupByName returns the oldest group with the given name.
func (s *SQLiteStore) GetBanGroupByName(ctx context.Context, name string) (*model.BanGroup, error) {
	g, err := s.scanBanGroup(s.db.QueryRowContext(ctx,
		`SELECT `+banGroupColumns+` FROM ban_groups WHERE name = ? ORDER BY id LIMIT 1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

func (s *SQLiteStore) CreateBanGroup(ctx context.Context, g *model.BanGroup) error {
	if g.BanTime.IsZero() {
		g.BanTime = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ban_groups (name, ban_time, expire_time, cannot_access, cannot_register, cannot_post, cannot_login, reason, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.Name, g.BanTime.Unix(), nullUnix(g.ExpireTime),
		boolToInt(g.CannotAccess), boolToInt(g.CannotRegister), boolToInt(g.CannotPost), boolToInt(g.CannotLogin),
		g.Reason, g.Notes)
	if err != nil {
		return fmt.Errorf("insert ban group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("ban group id: %w", err)
	}
	g.ID = id
	return nil
}

func (s *SQLiteStore) scanBanGroup(row scannable) (*model.BanGroup, error) {
	var g model.BanGroup
	var banTime int64
	var expire sql.NullInt64
	var access, register, post, login int
	err := row.Scan(&g.ID, &g.Name, &banTime, &expire, &access, &register, &post, &login, &g.Reason, &g.Notes)
	if err != nil {
		return nil, err
	}
	g.BanTime = time.Unix(banTime, 0).UTC()
	if expire.Valid {
		t := time.Unix(expire.Int64, 0).UTC()
		g.ExpireTime = &t
	}
	g.CannotAccess = access == 1
	g.CannotRegister = register == 1
	g.CannotPost = post == 1
	g.CannotLogin = login == 1
	return &g, nil
}

// --- Ban triggers ---

func (s *SQLiteStore) BanTriggerExists(ctx context.Context, groupID int64, ipLow, ipHigh string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ban_items WHERE id_ban_group = ? AND ip_low = ? AND ip_high = ?`,
		groupID, ipLow, ipHigh).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) CreateBanTrigger(ctx context.Context, t *model.BanTrigger) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ban_items (id_ban_group, ip_low, ip_high) VALUES (?, ?, ?)`,
		t.GroupID, t.IPLow, t.IPHigh)
	if err != nil {
		return fmt.Errorf("insert ban trigger: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("ban trigger id: %w", err)
	}
	t.ID = id
	return nil
}

func (s *SQLiteStore) ListBanTriggers(ctx context.Context, groupID int64) ([]*model.BanTrigger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, id_ban_group, ip_low, ip_high FROM ban_items WHERE id_ban_group = ? ORDER BY id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*model.BanTrigger
	for rows.Next() {
		var t model.BanTrigger
		if err := rows.Scan(&t.ID, &t.GroupID, &t.IPLow, &t.IPHigh); err != nil {
			return nil, err
		}
		triggers = append(triggers, &t)
	}
	return triggers, rows.Err()
}

// --- Settings ---

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// --- Admin actions ---

func (s *SQLiteStore) CreateAdminAction(ctx context.Context, a *model.AdminAction) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_actions (id, id_member, action, details, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.MemberID, a.Action, a.Details, a.CreatedAt.UTC().Format(timeFormat))
	return err
}

// ListAdminActions returns actions newest first, optionally filtered by name.
func (s *SQLiteStore) ListAdminActions(ctx context.Context, action string) ([]*model.AdminAction, error) {
	query := `SELECT id, id_member, action, details, created_at FROM admin_actions`
	var args []interface{}
	if action != "" {
		query += ` WHERE action = ?`
		args = append(args, action)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*model.AdminAction
	for rows.Next() {
		var a model.AdminAction
		var createdAt string
		if err := rows.Scan(&a.ID, &a.MemberID, &a.Action, &a.Details, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

// --- Helpers ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
