package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"signupbot/internal/signup"
	logx "signupbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const patternColumns = `id, owner, label, activity_id, location_id, weekday, time_of_day,
	match_instructor, instructor_id, match_exact_time, time_tolerance_minutes,
	auto_signup_enabled, signup_lead_hours, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(r rowScanner) (signup.TrackedPattern, error) {
	var (
		p                                   signup.TrackedPattern
		owner, label, location, instructor  sql.NullString
		weekday, tod                        int
		matchInstr, matchExact, autoEnabled int
		created, updated                    int64
	)
	err := r.Scan(&p.ID, &owner, &label, &p.ActivityID, &location, &weekday, &tod,
		&matchInstr, &instructor, &matchExact, &p.TimeToleranceMinutes,
		&autoEnabled, &p.SignupLeadHours, &created, &updated)
	if err != nil {
		return p, err
	}
	p.Owner, p.Label = owner.String, label.String
	p.LocationID, p.InstructorID = location.String, instructor.String
	p.Weekday = time.Weekday(weekday)
	p.Time = signup.TimeOfDay(tod)
	p.MatchInstructor = matchInstr != 0
	p.MatchExactTime = matchExact != 0
	p.AutoSignupEnabled = autoEnabled != 0
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

func (s *sqliteStore) ListPatterns(ctx context.Context) ([]signup.TrackedPattern, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+patternColumns+` FROM tracked_patterns ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []signup.TrackedPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetPattern(ctx context.Context, id string) (signup.TrackedPattern, error) {
	if s == nil || s.db == nil {
		return signup.TrackedPattern{}, ErrDisabled
	}
	p, err := scanPattern(s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM tracked_patterns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("%w: %s", signup.ErrPatternNotFound, id)
	}
	return p, err
}

func (s *sqliteStore) SavePattern(ctx context.Context, p signup.TrackedPattern) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tracked_patterns(`+patternColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner=excluded.owner, label=excluded.label, activity_id=excluded.activity_id,
		   location_id=excluded.location_id, weekday=excluded.weekday, time_of_day=excluded.time_of_day,
		   match_instructor=excluded.match_instructor, instructor_id=excluded.instructor_id,
		   match_exact_time=excluded.match_exact_time, time_tolerance_minutes=excluded.time_tolerance_minutes,
		   auto_signup_enabled=excluded.auto_signup_enabled, signup_lead_hours=excluded.signup_lead_hours,
		   updated_at=excluded.updated_at`,
		p.ID, nullStr(p.Owner), nullStr(p.Label), p.ActivityID, nullStr(p.LocationID), int(p.Weekday), int(p.Time),
		boolInt(p.MatchInstructor), nullStr(p.InstructorID), boolInt(p.MatchExactTime), p.TimeToleranceMinutes,
		boolInt(p.AutoSignupEnabled), p.SignupLeadHours, p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeletePattern(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM tracked_patterns WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", signup.ErrPatternNotFound, id)
	}
	return nil
}

const attemptColumns = `id, occurrence_id, pattern_id, result, reason, at, occurrence_start`

func (s *sqliteStore) AppendAttempt(ctx context.Context, r signup.AttemptRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var start any
	if !r.OccurrenceStart.IsZero() {
		start = r.OccurrenceStart.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts(`+attemptColumns+`) VALUES(?,?,?,?,?,?,?)`,
		r.ID, r.OccurrenceID, nullStr(r.PatternID), string(r.Result), nullStr(r.Reason), r.At.UnixMilli(), start,
	)
	return err
}

func (s *sqliteStore) queryAttempts(ctx context.Context, query string, args ...any) ([]signup.AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []signup.AttemptRecord
	for rows.Next() {
		var (
			r              signup.AttemptRecord
			pattern, why   sql.NullString
			result         string
			at             int64
			occurrenceFrom sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.OccurrenceID, &pattern, &result, &why, &at, &occurrenceFrom); err != nil {
			return nil, err
		}
		r.PatternID, r.Reason = pattern.String, why.String
		r.Result = signup.AttemptResult(result)
		r.At = fromMillis(at)
		if occurrenceFrom.Valid {
			r.OccurrenceStart = fromMillis(occurrenceFrom.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListAttempts(ctx context.Context, occurrenceID string) ([]signup.AttemptRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.queryAttempts(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE occurrence_id = ? ORDER BY seq`, occurrenceID)
}

func (s *sqliteStore) ListAttemptsByPattern(ctx context.Context, patternID string, limit int) ([]signup.AttemptRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1
	}
	return s.queryAttempts(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE pattern_id = ? ORDER BY seq DESC LIMIT ?`, patternID, limit)
}

func (s *sqliteStore) PruneAttempts(ctx context.Context, result signup.AttemptResult, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM attempts WHERE result = ? AND at < ?`, string(result), before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
