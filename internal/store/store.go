// Package store persists users, pledges, and emission logs in SQLite.
//
// Pledge rows are written by exactly two paths: CreatePledge (the
// make-pledge tool) and ApplyRenewal (the pledge's own scheduler). Readers
// may read concurrently; WAL mode keeps them from blocking each other.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"verdant/internal/logging"
)

// Store errors.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPledgeExists is returned when an active pledge with the same
	// (case-insensitive) name already exists for the user.
	ErrPledgeExists = errors.New("pledge name already taken")
)

// User is the profile the assistant serves.
type User struct {
	ID              string
	Region          string
	Currency        string
	EmissionsBudget float64
	BudgetPeriod    string
	TTSVoice        string
}

// Pledge is a recurring commitment to avoid an emitting activity.
// Name is stored lowercased; uniqueness per user is case-insensitive.
type Pledge struct {
	UserID           string
	Name             string
	Activity         string
	ActivityUnitType string
	ActivityValue    float64
	Frequency        time.Duration
	CO2eFactor       float64
	Impact           float64
	Streak           int
	LastRenewal      time.Time
	Created          time.Time
}

// EmissionLog records one emitting activity.
type EmissionLog struct {
	UserID           string
	Activity         string
	ActivityUnitType string
	CO2e             float64
	Created          time.Time
}

// ActivitySummary is a grouped emissions total for one activity.
type ActivitySummary struct {
	Activity string
	CO2e     float64
}

// PledgeImpact is a pledge's accumulated impact summary.
type PledgeImpact struct {
	Name   string
	Impact float64
	Streak int
}

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open initializes the database at the given path, creating the schema if
// needed.
func Open(path string) (*Store, error) {
	log := logging.Named("store")

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debug("failed to set busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("failed to set journal_mode=WAL", zap.Error(err))
	}

	s := &Store{db: db, log: log}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	log.Debug("store ready", zap.String("path", path))
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		user_id          TEXT PRIMARY KEY,
		region           TEXT NOT NULL,
		currency         TEXT NOT NULL,
		emissions_budget REAL NOT NULL DEFAULT 0,
		budget_period    TEXT NOT NULL DEFAULT 'day',
		tts_voice        TEXT NOT NULL DEFAULT 'alloy'
	);

	CREATE TABLE IF NOT EXISTS pledges (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id            TEXT NOT NULL,
		name               TEXT NOT NULL,
		activity           TEXT NOT NULL,
		activity_unit_type TEXT NOT NULL,
		activity_value     REAL NOT NULL,
		frequency_seconds  INTEGER NOT NULL,
		co2e_factor        REAL NOT NULL,
		impact             REAL NOT NULL DEFAULT 0,
		streak             INTEGER NOT NULL DEFAULT 1,
		last_renewal       INTEGER NOT NULL,
		created            INTEGER NOT NULL,
		UNIQUE(user_id, name)
	);
	CREATE INDEX IF NOT EXISTS idx_pledges_user ON pledges(user_id);

	CREATE TABLE IF NOT EXISTS emission_logs (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id            TEXT NOT NULL,
		activity           TEXT NOT NULL,
		activity_unit_type TEXT NOT NULL,
		co2e               REAL NOT NULL,
		created            INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_logs_user_created ON emission_logs(user_id, created);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertUser creates or replaces a user profile.
func (s *Store) UpsertUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, region, currency, emissions_budget, budget_period, tts_voice)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			region = excluded.region,
			currency = excluded.currency,
			emissions_budget = excluded.emissions_budget,
			budget_period = excluded.budget_period,
			tts_voice = excluded.tts_voice`,
		u.ID, u.Region, u.Currency, u.EmissionsBudget, u.BudgetPeriod, u.TTSVoice)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// GetUser returns a user profile by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, region, currency, emissions_budget, budget_period, tts_voice
		FROM users WHERE user_id = ?`, id).
		Scan(&u.ID, &u.Region, &u.Currency, &u.EmissionsBudget, &u.BudgetPeriod, &u.TTSVoice)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}

// InsertEmissionLog appends one emitting activity.
func (s *Store) InsertEmissionLog(ctx context.Context, e *EmissionLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO emission_logs (user_id, activity, activity_unit_type, co2e, created)
		VALUES (?, ?, ?, ?, ?)`,
		e.UserID, e.Activity, e.ActivityUnitType, e.CO2e, e.Created.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert emission log: %w", err)
	}
	return nil
}

// SumEmissions totals the user's logged CO2e since the given time.
func (s *Store) SumEmissions(ctx context.Context, userID string, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(co2e) FROM emission_logs
		WHERE user_id = ? AND created > ?`,
		userID, since.Unix()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum emissions: %w", err)
	}
	return total.Float64, nil
}

// TopEmittingActivities returns the user's highest-emitting activities,
// excluding the given activity names (typically ones already pledged
// against), grouped and summed, descending.
func (s *Store) TopEmittingActivities(ctx context.Context, userID string, exclude []string, limit int) ([]ActivitySummary, error) {
	query := `
		SELECT activity, SUM(co2e) AS total FROM emission_logs
		WHERE user_id = ?`
	args := []any{userID}
	if len(exclude) > 0 {
		query += ` AND activity NOT IN (?` + strings.Repeat(",?", len(exclude)-1) + `)`
		for _, a := range exclude {
			args = append(args, a)
		}
	}
	query += ` GROUP BY activity ORDER BY total DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	var out []ActivitySummary
	for rows.Next() {
		var a ActivitySummary
		if err := rows.Scan(&a.Activity, &a.CO2e); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreatePledge inserts a new pledge. The name is lowercased before storage;
// a clash with an existing active pledge returns ErrPledgeExists and writes
// nothing.
func (s *Store) CreatePledge(ctx context.Context, p *Pledge) error {
	name := strings.ToLower(p.Name)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pledges WHERE user_id = ? AND name = ?`,
		p.UserID, name).Scan(&count); err != nil {
		return fmt.Errorf("failed to check pledge name: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrPledgeExists, name)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pledges (user_id, name, activity, activity_unit_type, activity_value,
			frequency_seconds, co2e_factor, impact, streak, last_renewal, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, name, p.Activity, p.ActivityUnitType, p.ActivityValue,
		int64(p.Frequency.Seconds()), p.CO2eFactor, p.Impact, p.Streak,
		p.LastRenewal.Unix(), p.Created.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert pledge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pledge: %w", err)
	}

	s.log.Info("pledge created",
		zap.String("user", p.UserID),
		zap.String("name", name),
		zap.Duration("frequency", p.Frequency))
	return nil
}

// GetPledge returns one pledge by user and (case-insensitive) name.
func (s *Store) GetPledge(ctx context.Context, userID, name string) (*Pledge, error) {
	p := &Pledge{}
	var freqSeconds, lastRenewal, created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, name, activity, activity_unit_type, activity_value,
			frequency_seconds, co2e_factor, impact, streak, last_renewal, created
		FROM pledges WHERE user_id = ? AND name = ?`,
		userID, strings.ToLower(name)).
		Scan(&p.UserID, &p.Name, &p.Activity, &p.ActivityUnitType, &p.ActivityValue,
			&freqSeconds, &p.CO2eFactor, &p.Impact, &p.Streak, &lastRenewal, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pledge %s/%s: %w", userID, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pledge: %w", err)
	}
	p.Frequency = time.Duration(freqSeconds) * time.Second
	p.LastRenewal = time.Unix(lastRenewal, 0).UTC()
	p.Created = time.Unix(created, 0).UTC()
	return p, nil
}

// ActivePledges returns all of the user's pledges.
func (s *Store) ActivePledges(ctx context.Context, userID string) ([]Pledge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, name, activity, activity_unit_type, activity_value,
			frequency_seconds, co2e_factor, impact, streak, last_renewal, created
		FROM pledges WHERE user_id = ? ORDER BY created`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pledges: %w", err)
	}
	defer rows.Close()

	var out []Pledge
	for rows.Next() {
		var p Pledge
		var freqSeconds, lastRenewal, created int64
		if err := rows.Scan(&p.UserID, &p.Name, &p.Activity, &p.ActivityUnitType,
			&p.ActivityValue, &freqSeconds, &p.CO2eFactor, &p.Impact, &p.Streak,
			&lastRenewal, &created); err != nil {
			return nil, fmt.Errorf("failed to scan pledge: %w", err)
		}
		p.Frequency = time.Duration(freqSeconds) * time.Second
		p.LastRenewal = time.Unix(lastRenewal, 0).UTC()
		p.Created = time.Unix(created, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// PledgeImpacts returns grouped impact summaries, optionally filtered to
// the given (case-insensitive) names.
func (s *Store) PledgeImpacts(ctx context.Context, userID string, names []string) ([]PledgeImpact, error) {
	query := `SELECT name, impact, streak FROM pledges WHERE user_id = ?`
	args := []any{userID}
	if len(names) > 0 {
		query += ` AND name IN (?` + strings.Repeat(",?", len(names)-1) + `)`
		for _, n := range names {
			args = append(args, strings.ToLower(n))
		}
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pledge impacts: %w", err)
	}
	defer rows.Close()

	var out []PledgeImpact
	for rows.Next() {
		var pi PledgeImpact
		if err := rows.Scan(&pi.Name, &pi.Impact, &pi.Streak); err != nil {
			return nil, fmt.Errorf("failed to scan pledge impact: %w", err)
		}
		out = append(out, pi)
	}
	return out, rows.Err()
}

// ApplyRenewal atomically applies one renewal: streak +1, impact +factor,
// last_renewal set to renewedAt. Returns ErrNotFound when the pledge has
// been removed, which terminates its scheduler.
func (s *Store) ApplyRenewal(ctx context.Context, userID, name string, renewedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pledges
		SET streak = streak + 1,
			impact = impact + co2e_factor,
			last_renewal = ?
		WHERE user_id = ? AND name = ?`,
		renewedAt.Unix(), userID, strings.ToLower(name))
	if err != nil {
		return fmt.Errorf("failed to apply renewal: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check renewal: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("pledge %s/%s: %w", userID, name, ErrNotFound)
	}
	return nil
}
