// Package store persists users, research topics and completed runs in
// Postgres, with a Redis cache in front of run status for cheap polling.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	core "github.com/mohammad-safakhou/prosearch/internal/agent/core"
)

type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Topic is a saved research subject, optionally re-researched on a cron
// schedule.
type Topic struct {
	ID           string
	UserID       string
	Name         string
	ScheduleCron string
	CreatedAt    time.Time
}

func (s *Store) CreateTopic(ctx context.Context, userID, name, cron string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `INSERT INTO topics (user_id, name, schedule_cron) VALUES ($1,$2,$3) RETURNING id`, userID, name, cron).Scan(&id)
	return id, err
}

func (s *Store) ListTopics(ctx context.Context, userID string) ([]Topic, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, user_id, name, COALESCE(schedule_cron,''), created_at FROM topics WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.ScheduleCron, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListScheduledTopics returns every topic with a non-empty cron schedule,
// across all users. Used by the scheduler.
func (s *Store) ListScheduledTopics(ctx context.Context) ([]Topic, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, user_id, name, schedule_cron, created_at FROM topics WHERE schedule_cron IS NOT NULL AND schedule_cron <> '' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.ScheduleCron, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Run is a persisted research run. Result is the full RunResult as JSONB;
// failed runs store the error instead.
type Run struct {
	ID        string
	UserID    string
	TopicID   string
	Topic     string
	Status    string
	Error     string
	Result    *core.RunResult
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Store) CreateRun(ctx context.Context, runID, userID, topicID, topic string) error {
	var tid interface{}
	if topicID != "" {
		tid = topicID
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO runs (id, user_id, topic_id, topic, status) VALUES ($1,$2,$3,$4,'running')`,
		runID, userID, tid, topic)
	return err
}

func (s *Store) CompleteRun(ctx context.Context, runID string, result *core.RunResult, runErr error) error {
	if runErr != nil {
		_, err := s.DB.ExecContext(ctx,
			`UPDATE runs SET status='failed', error=$2, updated_at=NOW() WHERE id=$1`,
			runID, runErr.Error())
		return err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal run result: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`UPDATE runs SET status='done', result=$2, updated_at=NOW() WHERE id=$1`,
		runID, payload)
	return err
}

func (s *Store) GetRun(ctx context.Context, runID, userID string) (Run, error) {
	var r Run
	var result []byte
	var topicID sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, user_id, topic_id, topic, status, COALESCE(error,''), result, created_at, updated_at FROM runs WHERE id=$1 AND user_id=$2`,
		runID, userID).
		Scan(&r.ID, &r.UserID, &topicID, &r.Topic, &r.Status, &r.Error, &result, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Run{}, err
	}
	r.TopicID = topicID.String
	if len(result) > 0 {
		var decoded core.RunResult
		if err := json.Unmarshal(result, &decoded); err != nil {
			return Run{}, fmt.Errorf("decode run result: %w", err)
		}
		r.Result = &decoded
	}
	return r, nil
}

func (s *Store) ListRuns(ctx context.Context, userID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, topic, status, COALESCE(error,''), created_at, updated_at FROM runs WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.UserID, &r.Topic, &r.Status, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestRunTime returns when the topic was last researched, nil when never.
func (s *Store) LatestRunTime(ctx context.Context, topicID string) (*time.Time, error) {
	var ts sql.NullTime
	err := s.DB.QueryRowContext(ctx, `SELECT MAX(created_at) FROM runs WHERE topic_id=$1`, topicID).Scan(&ts)
	if err != nil {
		return nil, err
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Time, nil
}
