package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"finpatrol/internal/change"
	"finpatrol/internal/snapshot"
)

var (
	// ErrNotConfigured indicates the storage handle was not initialised.
	ErrNotConfigured = errors.New("storage: database not configured")
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// DateLayout is the calendar-date key format used by snapshots and messages.
const DateLayout = "2006-01-02"

const (
	insertSampleSQL = `INSERT INTO samples (instrument, ts_us, value, category)
    VALUES (?, ?, ?, ?)
    ON CONFLICT (instrument, ts_us, category) DO NOTHING`

	lastSampleTimeSQL = `SELECT COALESCE(MAX(ts_us), 0) FROM samples
    WHERE instrument = ? AND category = ?`

	sampleAtOrBeforeSQL = `SELECT value FROM samples
    WHERE instrument = ?
      AND category = ?
      AND ts_us <= ?
    ORDER BY ts_us DESC
    LIMIT 1`

	listRecentSamplesSQL = `SELECT instrument, ts_us, value, category
    FROM samples
    ORDER BY ts_us DESC, id DESC
    LIMIT ?`

	listSamplesBetweenSQL = `SELECT instrument, ts_us, value, category
    FROM samples
    WHERE instrument = ?
      AND ts_us >= ?
      AND ts_us < ?
    ORDER BY ts_us`

	countSamplesSQL = `SELECT COUNT(*) FROM samples`

	deleteSamplesBeforeSQL = `DELETE FROM samples WHERE ts_us < ?`

	upsertDailySnapshotSQL = `INSERT INTO daily_snapshots (date, payload, updated_at_us)
    VALUES (?, ?, ?)
    ON CONFLICT (date) DO UPDATE
    SET payload       = excluded.payload,
        updated_at_us = excluded.updated_at_us`

	selectDailySnapshotSQL = `SELECT payload FROM daily_snapshots WHERE date = ?`

	upsertMessageSQL = `INSERT INTO messages (date, external_id, payload, updated_at_us)
    VALUES (?, ?, ?, ?)
    ON CONFLICT (date) DO UPDATE
    SET external_id   = excluded.external_id,
        payload       = excluded.payload,
        updated_at_us = excluded.updated_at_us`

	latestMessageSQL = `SELECT date, external_id, payload, updated_at_us
    FROM messages
    WHERE date = ?
    ORDER BY id DESC
    LIMIT 1`

	deleteMessagesBeforeSQL = `DELETE FROM messages WHERE date < ?`

	deleteMalformedMessagesSQL = `DELETE FROM messages WHERE LENGTH(payload) < ?`
)

// SampleStore defines operations on the raw sample log.
type SampleStore interface {
	Append(ctx context.Context, instrument string, value *float64, category snapshot.Category) error
	AppendAt(ctx context.Context, sample Sample) error
	ChangeOver(ctx context.Context, instrument string, current float64, category snapshot.Category, lookback time.Duration) (*float64, error)
	ListRecentSamples(ctx context.Context, limit int) ([]Sample, error)
	ListSamplesBetween(ctx context.Context, instrument string, from, to time.Time) ([]Sample, error)
	CountSamples(ctx context.Context) (int64, error)
	SweepSamples(ctx context.Context, olderThan time.Time) (int64, error)
}

// SnapshotStore defines operations on daily snapshots.
type SnapshotStore interface {
	SaveDailySnapshot(ctx context.Context, day string, payload snapshot.Payload) error
	DailySnapshotOn(ctx context.Context, day string) (snapshot.Payload, error)
}

// MessageStore defines operations on published messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, day string, externalID int64, payload snapshot.Payload) error
	LatestMessageOnDate(ctx context.Context, day string) (PublishedMessage, error)
	RetentionSweep(ctx context.Context, thresholdDays int) (int64, error)
	PurgeMalformed(ctx context.Context, minPayloadLength int) (int64, error)
}

// Options tunes a Store.
type Options struct {
	Location *time.Location
	Rounding change.Rounding
	Now      func() time.Time
	Logger   zerolog.Logger
	Release  func() // runs after the database handle is closed
}

// Store is the history store backed by SQLite or PostgreSQL.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	loc      *time.Location
	rounding change.Rounding
	now      func() time.Time
	logger   zerolog.Logger
	release  func()

	mu   sync.Mutex
	last map[string]int64
}

// NewStore wires a database handle into a Store.
func NewStore(db *sql.DB, dialect Dialect, opts Options) *Store {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	rounding := opts.Rounding
	if rounding == "" {
		rounding = change.RoundHalfUp
	}
	return &Store{
		db:       db,
		dialect:  dialect,
		loc:      loc,
		rounding: rounding,
		now:      now,
		logger:   opts.Logger.With().Str("component", "storage").Logger(),
		release:  opts.Release,
		last:     make(map[string]int64),
	}
}

// Close releases the underlying database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.release != nil {
		s.release()
		s.release = nil
	}
	return err
}

// Location returns the timezone used for calendar-date keys.
func (s *Store) Location() *time.Location { return s.loc }

// DayKey formats t as the calendar date it falls on in the store timezone.
func (s *Store) DayKey(t time.Time) string {
	return t.In(s.loc).Format(DateLayout)
}

func (s *Store) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Append records value for instrument at the current time. A nil value is
// logged and skipped. Timestamps never move backwards per instrument, so a
// clock step back reuses the last timestamp and the duplicate is ignored.
func (s *Store) Append(ctx context.Context, instrument string, value *float64, category snapshot.Category) error {
	if value == nil {
		s.logger.Warn().Str("instrument", instrument).Str("category", string(category)).Msg("skip null sample")
		return nil
	}
	return s.AppendAt(ctx, Sample{
		Instrument: instrument,
		Timestamp:  s.now(),
		Value:      *value,
		Category:   category,
	})
}

// AppendAt records a sample with an explicit timestamp.
func (s *Store) AppendAt(ctx context.Context, sample Sample) error {
	if sample.Instrument == "" {
		return fmt.Errorf("append sample: empty instrument")
	}
	if !sample.Category.Valid() {
		return fmt.Errorf("append sample: unknown category %q", sample.Category)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(sample.Category) + "\x00" + sample.Instrument
	ts := sample.Timestamp.UnixMicro()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		last, ok := s.last[key]
		if !ok {
			if err := tx.QueryRowContext(ctx, s.rebind(lastSampleTimeSQL), sample.Instrument, string(sample.Category)).Scan(&last); err != nil {
				return fmt.Errorf("load last sample time: %w", err)
			}
		}
		if ts < last {
			ts = last
		}
		if _, err := tx.ExecContext(ctx, s.rebind(insertSampleSQL), sample.Instrument, ts, sample.Value, string(sample.Category)); err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
		s.last[key] = ts
		return nil
	})
}

// ChangeOver returns the percentage change of current against the most recent
// sample at or before now-lookback. A missing or zero sample counts as no
// history; a one-day lookback then falls back to yesterday's daily snapshot.
// Missing history yields nil, not an error.
func (s *Store) ChangeOver(ctx context.Context, instrument string, current float64, category snapshot.Category, lookback time.Duration) (*float64, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	now := s.now()
	target := now.Add(-lookback).UnixMicro()

	var past float64
	err = db.QueryRowContext(ctx, s.rebind(sampleAtOrBeforeSQL), instrument, string(category), target).Scan(&past)
	switch {
	case err == nil && past != 0:
		return s.rounding.Percentage(&past, &current), nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("lookup sample for %s: %w", instrument, err)
	}

	if lookback != 24*time.Hour {
		return nil, nil
	}

	payload, err := s.DailySnapshotOn(ctx, s.DayKey(now.Add(-lookback)))
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, nil
	case errors.Is(err, snapshot.ErrInvalidPayload):
		s.logger.Error().Err(err).Str("instrument", instrument).Msg("daily snapshot fallback unreadable")
		return nil, nil
	case err != nil:
		return nil, err
	}

	rec, _, ok := payload.Lookup(instrument)
	if !ok {
		return nil, nil
	}
	return s.rounding.Percentage(&rec.Value, &current), nil
}

// ListRecentSamples lists the most recent samples ordered by descending time.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]Sample, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, s.rebind(listRecentSamplesSQL), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent samples: %w", err)
	}
	defer rows.Close()
	return s.scanSamples(rows, limit)
}

// ListSamplesBetween lists samples of one instrument within [from, to).
func (s *Store) ListSamplesBetween(ctx context.Context, instrument string, from, to time.Time) ([]Sample, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, s.rebind(listSamplesBetweenSQL), instrument, from.UnixMicro(), to.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("list samples between: %w", err)
	}
	defer rows.Close()
	return s.scanSamples(rows, 0)
}

// CountSamples counts stored samples.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := db.QueryRowContext(ctx, countSamplesSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count samples: %w", err)
	}
	return count, nil
}

// SweepSamples deletes samples older than olderThan.
func (s *Store) SweepSamples(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.execAffected(ctx, "sweep samples", deleteSamplesBeforeSQL, olderThan.UnixMicro())
}

// SaveDailySnapshot inserts or overwrites the snapshot for day.
func (s *Store) SaveDailySnapshot(ctx context.Context, day string, payload snapshot.Payload) error {
	data, err := snapshot.EncodePayload(payload)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(upsertDailySnapshotSQL), day, string(data), s.now().UnixMicro()); err != nil {
			return fmt.Errorf("upsert daily snapshot: %w", err)
		}
		return nil
	})
}

// DailySnapshotOn loads the snapshot stored for day.
func (s *Store) DailySnapshotOn(ctx context.Context, day string) (snapshot.Payload, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var data string
	err = db.QueryRowContext(ctx, s.rebind(selectDailySnapshotSQL), day).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select daily snapshot: %w", err)
	}
	return snapshot.DecodePayload([]byte(data))
}

// SaveMessage records the external message published for day.
func (s *Store) SaveMessage(ctx context.Context, day string, externalID int64, payload snapshot.Payload) error {
	data, err := snapshot.EncodePayload(payload)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(upsertMessageSQL), day, externalID, string(data), s.now().UnixMicro()); err != nil {
			return fmt.Errorf("upsert message: %w", err)
		}
		return nil
	})
}

// LatestMessageOnDate returns the most recently inserted message for day.
// A payload that fails validation is returned empty together with the error
// so the caller can still resume editing by id.
func (s *Store) LatestMessageOnDate(ctx context.Context, day string) (PublishedMessage, error) {
	db, err := s.getDB()
	if err != nil {
		return PublishedMessage{}, err
	}

	var (
		msg       PublishedMessage
		data      string
		updatedAt int64
	)
	err = db.QueryRowContext(ctx, s.rebind(latestMessageSQL), day).Scan(&msg.Date, &msg.ExternalID, &data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PublishedMessage{}, ErrNotFound
	}
	if err != nil {
		return PublishedMessage{}, fmt.Errorf("select latest message: %w", err)
	}
	msg.UpdatedAt = time.UnixMicro(updatedAt)

	payload, err := snapshot.DecodePayload([]byte(data))
	if err != nil {
		msg.Payload = snapshot.Payload{}
		return msg, err
	}
	msg.Payload = payload
	return msg, nil
}

// RetentionSweep deletes messages dated before today minus thresholdDays.
func (s *Store) RetentionSweep(ctx context.Context, thresholdDays int) (int64, error) {
	cutoff := s.now().In(s.loc).AddDate(0, 0, -thresholdDays).Format(DateLayout)
	return s.execAffected(ctx, "retention sweep", deleteMessagesBeforeSQL, cutoff)
}

// PurgeMalformed deletes messages whose stored payload is shorter than
// minPayloadLength bytes.
func (s *Store) PurgeMalformed(ctx context.Context, minPayloadLength int) (int64, error) {
	return s.execAffected(ctx, "purge malformed", deleteMalformedMessagesSQL, minPayloadLength)
}

func (s *Store) execAffected(ctx context.Context, op, query string, args ...any) (int64, error) {
	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(query), args...)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s: rows affected: %w", op, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (s *Store) scanSamples(rows *sql.Rows, capacity int) ([]Sample, error) {
	samples := make([]Sample, 0, capacity)
	for rows.Next() {
		var (
			sample   Sample
			ts       int64
			category string
		)
		if err := rows.Scan(&sample.Instrument, &ts, &sample.Value, &category); err != nil {
			return nil, err
		}
		sample.Timestamp = time.UnixMicro(ts).In(s.loc)
		sample.Category = snapshot.Category(category)
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}
