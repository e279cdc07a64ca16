package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// DefaultTrustScore is assigned to users on first sight.
const DefaultTrustScore = 100

// timestamps are stored as fixed-width UTC text so they sort lexically
const timeLayout = "2006-01-02T15:04:05.000000Z"

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store persists user profiles, per-user memory and the moderation audit log.
type Store struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// Open connects to dsn: a postgres:// URL selects postgres, anything else is
// a sqlite file path.
func Open(dsn string) (*Store, error) {
	if isPostgres(dsn) {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return initStore(db, dialectPostgres)
	}

	if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps the per-connection pragmas and serializes writers
	db.SetMaxOpenConns(1)
	return initStore(db, dialectSQLite)
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func initStore(db *sql.DB, d dialect) (*Store, error) {
	s := &Store{db: db, dialect: d, now: time.Now}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	if s.dialect != dialectSQLite {
		return nil
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	serial, boolean := "INTEGER PRIMARY KEY AUTOINCREMENT", "INTEGER"
	if s.dialect == dialectPostgres {
		serial, boolean = "BIGSERIAL PRIMARY KEY", "BOOLEAN"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT,
			trust_score INTEGER NOT NULL DEFAULT 100,
			preferred_games TEXT NOT NULL DEFAULT '[]',
			timezone TEXT,
			join_date TEXT,
			last_seen TEXT,
			warning_count INTEGER NOT NULL DEFAULT 0,
			notes TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS mod_log (
			id ` + serial + `,
			user_id TEXT NOT NULL,
			action TEXT NOT NULL,
			reason TEXT,
			confidence INTEGER,
			message_content TEXT,
			channel_id TEXT,
			timestamp TEXT NOT NULL,
			mod_override ` + boolean + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mod_log_user ON mod_log(user_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS memory (
			id ` + serial + `,
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_memory_user_key ON memory(user_id, key)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Profile is a user's persisted record.
type Profile struct {
	UserID         string
	Username       string
	TrustScore     int
	PreferredGames []string
	Timezone       string
	JoinDate       time.Time
	LastSeen       time.Time
	WarningCount   int
	Notes          string
}

// Summary renders the profile as the single line handed to prompts.
func (p Profile) Summary() string {
	return fmt.Sprintf("username=%s; trust_score=%d; warnings=%d; preferred_games=[%s]; notes=%s",
		p.Username, p.TrustScore, p.WarningCount, strings.Join(p.PreferredGames, ", "), p.Notes)
}

// GetOrCreate returns the user's profile, creating it with default trust on
// first sight. The stored username and last_seen are refreshed on every call.
// Concurrent calls for one user are last-write-wins.
func (s *Store) GetOrCreate(ctx context.Context, userID, username string) (Profile, error) {
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO users (id, username, trust_score, preferred_games, warning_count, last_seen)
		VALUES (?, ?, ?, '[]', 0, ?)
		ON CONFLICT (id) DO UPDATE SET username = excluded.username, last_seen = excluded.last_seen
	`), userID, username, DefaultTrustScore, now)
	if err != nil {
		return Profile{}, fmt.Errorf("upsert user %s: %w", userID, err)
	}
	return s.Profile(ctx, userID)
}

// ErrNotFound is returned when a user has no stored profile.
var ErrNotFound = errors.New("not found")

func (s *Store) Profile(ctx context.Context, userID string) (Profile, error) {
	var (
		p                          Profile
		username, tz, notes, games sql.NullString
		joinDate, lastSeen         sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, username, trust_score, preferred_games, timezone, join_date, last_seen, warning_count, notes
		FROM users WHERE id = ?
	`), userID).Scan(&p.UserID, &username, &p.TrustScore, &games, &tz, &joinDate, &lastSeen, &p.WarningCount, &notes)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("load user %s: %w", userID, err)
	}

	p.Username = username.String
	p.Timezone = tz.String
	p.Notes = notes.String
	p.JoinDate = parseTime(joinDate)
	p.LastSeen = parseTime(lastSeen)
	if games.Valid && games.String != "" {
		if err := json.Unmarshal([]byte(games.String), &p.PreferredGames); err != nil {
			return Profile{}, fmt.Errorf("decode preferred games for %s: %w", userID, err)
		}
	}
	return p, nil
}

// AuditRecord is one append-only moderation log entry.
type AuditRecord struct {
	ID             int64
	UserID         string
	Action         string
	Reason         string
	Confidence     int
	MessageContent string
	ChannelID      string
	Timestamp      time.Time
	ModOverride    bool
}

// AppendAudit writes a record. A zero Timestamp is set to now.
func (s *Store) AppendAudit(ctx context.Context, rec AuditRecord) error {
	ts := s.timestamp()
	if !rec.Timestamp.IsZero() {
		ts = rec.Timestamp.UTC().Format(timeLayout)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO mod_log (user_id, action, reason, confidence, message_content, channel_id, timestamp, mod_override)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), rec.UserID, rec.Action, rec.Reason, rec.Confidence, rec.MessageContent, rec.ChannelID, ts, rec.ModOverride)
	if err != nil {
		return fmt.Errorf("append audit for %s: %w", rec.UserID, err)
	}
	return nil
}

// RecentAudit lists the newest records, optionally for one user only.
func (s *Store) RecentAudit(ctx context.Context, userID string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, user_id, action, reason, confidence, message_content, channel_id, timestamp, mod_override FROM mod_log`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			rec                      AuditRecord
			reason, content, channel sql.NullString
			confidence               sql.NullInt64
			ts                       sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Action, &reason, &confidence, &content, &channel, &ts, &rec.ModOverride); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		rec.Reason = reason.String
		rec.Confidence = int(confidence.Int64)
		rec.MessageContent = content.String
		rec.ChannelID = channel.String
		rec.Timestamp = parseTime(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Memory is a remembered key/value fact about a user.
type Memory struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

func (s *Store) UpsertMemory(ctx context.Context, userID, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO memory (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`), userID, key, value, s.timestamp())
	if err != nil {
		return fmt.Errorf("upsert memory %s/%s: %w", userID, key, err)
	}
	return nil
}

// Memories returns a user's facts, most recently updated first.
func (s *Store) Memories(ctx context.Context, userID string) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT key, value, updated_at FROM memory WHERE user_id = ? ORDER BY updated_at DESC, id DESC
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var (
			m  Memory
			ts sql.NullString
		)
		if err := rows.Scan(&m.Key, &m.Value, &ts); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.UpdatedAt = parseTime(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}
