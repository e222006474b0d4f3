package remote

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/developingchet/tasteshield/internal/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

var _ Repository = (*SQLite)(nil)

//go:embed schema.sql
var schema string

const dsnPragmas = "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

// SQLite is a Repository backed by a SQLite file.
type SQLite struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (or creates) the SQLite repository at path and applies the schema.
func Open(path string, log zerolog.Logger) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("remote db path is required")
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0o750); err != nil {
		return nil, fmt.Errorf("create remote db dir: %w", err)
	}
	db, err := sql.Open("sqlite", clean+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps SQLITE_BUSY out of the upload workers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := addColumn(db, "shield_sessions", "auto_disable_ms", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, log: log}, nil
}

// addColumn adds a column to a table created by an older schema.
func addColumn(db *sql.DB, table, column, decl string) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if _, err := db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + decl); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) EnsureUserProfile(ctx context.Context, platformUserID string) (string, error) {
	platformUserID = strings.TrimSpace(platformUserID)
	if platformUserID == "" {
		return "", fmt.Errorf("platform user id is required")
	}
	id, err := s.LookupProfile(ctx, platformUserID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrProfileNotFound) {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, platform_user_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (platform_user_id) DO NOTHING`,
		uuid.NewString(), platformUserID, time.Now().UTC().UnixMilli())
	if err != nil && !isUniqueViolation(err) {
		return "", fmt.Errorf("create profile: %w", err)
	}
	id, err = s.LookupProfile(ctx, platformUserID)
	if err != nil {
		return "", err
	}
	s.log.Info().Str("profile", id).Msg("remote profile created")
	return id, nil
}

func (s *SQLite) LookupProfile(ctx context.Context, platformUserID string) (string, error) {
	platformUserID = strings.TrimSpace(platformUserID)
	if platformUserID == "" {
		return "", fmt.Errorf("platform user id is required")
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM profiles WHERE platform_user_id = ?`, platformUserID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrProfileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup profile: %w", err)
	}
	return id, nil
}

func (s *SQLite) UpsertHistory(ctx context.Context, profileID string, records []model.TrackPlayRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO play_history (profile_id, track_id, played_at, name, artist, album, album_art, duration)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (profile_id, track_id, played_at) DO UPDATE SET
			   name = excluded.name,
			   artist = excluded.artist,
			   album = excluded.album,
			   album_art = excluded.album_art,
			   duration = excluded.duration`)
		if err != nil {
			return fmt.Errorf("prepare history upsert: %w", err)
		}
		defer stmt.Close()
		for _, r := range records {
			if r.ID == "" {
				continue
			}
			if _, err := stmt.ExecContext(ctx, profileID, r.ID, r.Timestamp,
				r.Name, r.Artist, r.Album, r.AlbumArt, r.Duration); err != nil {
				if isForeignKeyViolation(err) {
					return ErrProfileNotFound
				}
				return fmt.Errorf("upsert history %s@%d: %w", r.ID, r.Timestamp, err)
			}
		}
		return nil
	})
}

// FetchHistory returns the newest records first, at most limit of them.
func (s *SQLite) FetchHistory(ctx context.Context, profileID string, limit int) ([]model.TrackPlayRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT track_id, played_at, name, artist, album, album_art, duration
		 FROM play_history WHERE profile_id = ?
		 ORDER BY played_at DESC, track_id ASC LIMIT ?`, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer rows.Close()

	var out []model.TrackPlayRecord
	for rows.Next() {
		var r model.TrackPlayRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Name, &r.Artist, &r.Album, &r.AlbumArt, &r.Duration); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneHistory deletes records played before the cutoff and reports how many.
func (s *SQLite) PruneHistory(ctx context.Context, profileID string, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM play_history WHERE profile_id = ? AND played_at < ?`, profileID, before)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) UpsertSessions(ctx context.Context, profileID string, sessions []model.ShieldSession) error {
	if len(sessions) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// A closed end beats an open one; between two ends the later wins.
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO shield_sessions (profile_id, start_ms, end_ms, source, auto_disable_ms) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (profile_id, start_ms) DO UPDATE SET
			   end_ms = CASE
			     WHEN excluded.end_ms IS NULL THEN shield_sessions.end_ms
			     WHEN shield_sessions.end_ms IS NULL THEN excluded.end_ms
			     ELSE MAX(shield_sessions.end_ms, excluded.end_ms)
			   END,
			   source = CASE WHEN excluded.source = '' THEN shield_sessions.source ELSE excluded.source END,
			   auto_disable_ms = CASE WHEN excluded.auto_disable_ms = 0 THEN shield_sessions.auto_disable_ms ELSE excluded.auto_disable_ms END`)
		if err != nil {
			return fmt.Errorf("prepare session upsert: %w", err)
		}
		defer stmt.Close()
		for _, sess := range sessions {
			var end sql.NullInt64
			if sess.End != nil {
				end = sql.NullInt64{Int64: *sess.End, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, profileID, sess.Start, end, sess.Source, sess.AutoDisableMs); err != nil {
				if isForeignKeyViolation(err) {
					return ErrProfileNotFound
				}
				return fmt.Errorf("upsert session %d: %w", sess.Start, err)
			}
		}
		return nil
	})
}

// FetchSessions returns the profile's sessions in start order.
func (s *SQLite) FetchSessions(ctx context.Context, profileID string) ([]model.ShieldSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT start_ms, end_ms, source, auto_disable_ms FROM shield_sessions
		 WHERE profile_id = ? ORDER BY start_ms ASC`, profileID)
	if err != nil {
		return nil, fmt.Errorf("fetch sessions: %w", err)
	}
	defer rows.Close()

	var out []model.ShieldSession
	for rows.Next() {
		var (
			sess model.ShieldSession
			end  sql.NullInt64
		)
		if err := rows.Scan(&sess.Start, &end, &sess.Source, &sess.AutoDisableMs); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if end.Valid {
			v := end.Int64
			sess.End = &v
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLite) UpsertRules(ctx context.Context, profileID string, timeRules []model.TimeRule, deviceRules []model.DeviceRule) error {
	if len(timeRules) == 0 && len(deviceRules) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO rules (profile_id, rule_id, kind, payload, updated_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (profile_id, rule_id) DO UPDATE SET
			   kind = excluded.kind,
			   payload = excluded.payload,
			   updated_at = excluded.updated_at
			 WHERE excluded.updated_at >= rules.updated_at`)
		if err != nil {
			return fmt.Errorf("prepare rule upsert: %w", err)
		}
		defer stmt.Close()

		put := func(id, kind string, updatedAt int64, v any) error {
			payload, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("marshal rule %s: %w", id, err)
			}
			if _, err := stmt.ExecContext(ctx, profileID, id, kind, string(payload), updatedAt); err != nil {
				if isForeignKeyViolation(err) {
					return ErrProfileNotFound
				}
				return fmt.Errorf("upsert rule %s: %w", id, err)
			}
			return nil
		}
		for _, r := range timeRules {
			if err := put(r.ID, KindTimeRule, r.UpdatedAt, r); err != nil {
				return err
			}
		}
		for _, r := range deviceRules {
			if err := put(r.ID, KindDeviceRule, r.UpdatedAt, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// FetchRules returns the profile's rules. Rows that fail to decode are
// logged and skipped.
func (s *SQLite) FetchRules(ctx context.Context, profileID string) (Rules, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rule_id, kind, payload FROM rules WHERE profile_id = ? ORDER BY rule_id ASC`, profileID)
	if err != nil {
		return Rules{}, fmt.Errorf("fetch rules: %w", err)
	}
	defer rows.Close()

	var out Rules
	for rows.Next() {
		var id, kind, payload string
		if err := rows.Scan(&id, &kind, &payload); err != nil {
			return Rules{}, fmt.Errorf("scan rule: %w", err)
		}
		switch kind {
		case KindTimeRule:
			var r model.TimeRule
			if err := json.Unmarshal([]byte(payload), &r); err != nil {
				s.log.Warn().Str("rule", id).Err(err).Msg("skipping undecodable remote rule")
				continue
			}
			out.TimeRules = append(out.TimeRules, r)
		case KindDeviceRule:
			var r model.DeviceRule
			if err := json.Unmarshal([]byte(payload), &r); err != nil {
				s.log.Warn().Str("rule", id).Err(err).Msg("skipping undecodable remote rule")
				continue
			}
			out.DeviceRules = append(out.DeviceRules, r)
		default:
			s.log.Warn().Str("rule", id).Str("kind", kind).Msg("skipping remote rule of unknown kind")
		}
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteRules(ctx context.Context, profileID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM rules WHERE profile_id = ? AND rule_id = ?`, profileID, id); err != nil {
				return fmt.Errorf("delete rule %s: %w", id, err)
			}
		}
		return nil
	})
}

// DeleteProfile removes the profile and everything stored under it.
func (s *SQLite) DeleteProfile(ctx context.Context, profileID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"play_history", "shield_sessions", "rules"} {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE profile_id = ?`, profileID); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, profileID)
		if err != nil {
			return fmt.Errorf("delete profile: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrProfileNotFound
		}
		return nil
	})
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func sqliteCode(err error) (int, bool) {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code(), true
	}
	return 0, false
}

func isUniqueViolation(err error) bool {
	code, ok := sqliteCode(err)
	return ok && (code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE)
}

func isForeignKeyViolation(err error) bool {
	if code, ok := sqliteCode(err); ok && code == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}
