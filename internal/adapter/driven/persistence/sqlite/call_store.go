// Package sqlite keeps call records and candidate feeds in a SQLite file so
// a signaling server can restart without losing calls in flight.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/trickle/internal/adapter/driven/persistence/watch"
	"github.com/Wyydra/trickle/internal/core/domain"
	"github.com/Wyydra/trickle/internal/core/port"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id         TEXT PRIMARY KEY,
	offer      TEXT,
	answer     TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS candidates (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id   TEXT NOT NULL,
	feed      TEXT NOT NULL,
	candidate TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_candidates_feed ON candidates(call_id, feed, seq);
`

// CallStore implements port.SignalingStore on SQLite. Change notifications
// are local to this process.
type CallStore struct {
	db    *sql.DB
	mu    sync.Mutex
	watch *watch.Registry
}

// Open opens (or creates) the database at path.
func Open(path string) (*CallStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("SQLite call store opened")
	return &CallStore{db: db, watch: watch.NewRegistry()}, nil
}

func encodeDescription(desc *domain.SessionDescription) (sql.NullString, error) {
	if desc == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(desc)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeDescription(s sql.NullString) (*domain.SessionDescription, error) {
	if !s.Valid {
		return nil, nil
	}
	var desc domain.SessionDescription
	if err := json.Unmarshal([]byte(s.String), &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

func (s *CallStore) CreateRecord(ctx context.Context, id domain.CallID, rec domain.CallRecord) error {
	offer, err := encodeDescription(rec.Offer)
	if err != nil {
		return err
	}
	answer, err := encodeDescription(rec.Answer)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `INSERT INTO calls (id, offer, answer, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id.String(), offer, answer, now, now)
	if err != nil {
		return fmt.Errorf("insert call %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRecordExists, id)
	}

	s.watch.PublishRecord(id, rec)
	return nil
}

func (s *CallStore) UpdateRecord(ctx context.Context, id domain.CallID, rec domain.CallRecord) error {
	offer, err := encodeDescription(rec.Offer)
	if err != nil {
		return err
	}
	answer, err := encodeDescription(rec.Answer)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE calls SET
			offer = COALESCE(?, offer),
			answer = COALESCE(?, answer),
			updated_at = ?
		WHERE id = ?`,
		offer, answer, time.Now().UnixMilli(), id.String())
	if err != nil {
		return fmt.Errorf("update call %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
	}

	merged, err := s.readLocked(ctx, id)
	if err != nil {
		return err
	}
	s.watch.PublishRecord(id, merged)
	return nil
}

func (s *CallStore) ReadRecord(ctx context.Context, id domain.CallID) (domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(ctx, id)
}

func (s *CallStore) readLocked(ctx context.Context, id domain.CallID) (domain.CallRecord, error) {
	var offer, answer sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT offer, answer FROM calls WHERE id = ?`, id.String()).Scan(&offer, &answer)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CallRecord{}, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
	}
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("read call %s: %w", id, err)
	}

	var rec domain.CallRecord
	if rec.Offer, err = decodeDescription(offer); err != nil {
		return domain.CallRecord{}, fmt.Errorf("decode offer for %s: %w", id, err)
	}
	if rec.Answer, err = decodeDescription(answer); err != nil {
		return domain.CallRecord{}, fmt.Errorf("decode answer for %s: %w", id, err)
	}
	return rec, nil
}

func (s *CallStore) AppendToFeed(ctx context.Context, id domain.CallID, feed domain.FeedName, c domain.IceCandidate) error {
	if !feed.Valid() {
		return fmt.Errorf("unknown feed %q", feed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `INSERT INTO candidates (call_id, feed, candidate) VALUES (?, ?, ?)`,
		id.String(), string(feed), string(c))
	if err != nil {
		return fmt.Errorf("append candidate to %s/%s: %w", id, feed, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}

	s.watch.PublishFeed(id, feed, domain.FeedChange{Kind: domain.ChangeAdded, Seq: seq, Candidate: c})
	return nil
}

func (s *CallStore) SubscribeRecord(ctx context.Context, id domain.CallID, onChange func(domain.CallRecord)) (port.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snapshot *domain.CallRecord
	rec, err := s.readLocked(ctx, id)
	switch {
	case err == nil:
		snapshot = &rec
	case !errors.Is(err, domain.ErrRecordNotFound):
		return nil, err
	}
	return s.watch.WatchRecord(id, snapshot, onChange), nil
}

func (s *CallStore) SubscribeFeedAppends(ctx context.Context, id domain.CallID, feed domain.FeedName, onChange func(domain.FeedChange)) (port.Subscription, error) {
	if !feed.Valid() {
		return nil, fmt.Errorf("unknown feed %q", feed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT seq, candidate FROM candidates
		WHERE call_id = ? AND feed = ? ORDER BY seq`, id.String(), string(feed))
	if err != nil {
		return nil, fmt.Errorf("load feed %s/%s: %w", id, feed, err)
	}
	defer rows.Close()

	var backlog []domain.FeedChange
	for rows.Next() {
		change := domain.FeedChange{Kind: domain.ChangeAdded}
		var candidate string
		if err := rows.Scan(&change.Seq, &candidate); err != nil {
			return nil, err
		}
		change.Candidate = domain.IceCandidate(candidate)
		backlog = append(backlog, change)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return s.watch.WatchFeed(id, feed, backlog, onChange), nil
}

func (s *CallStore) Watchers() int {
	return s.watch.Len()
}

func (s *CallStore) Close() error {
	s.watch.Close()
	return s.db.Close()
}
