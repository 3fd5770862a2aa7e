// Package forum is the forum-post sink the archive service writes into.
// The bundled implementation keeps topics and posts in the chat database.
package forum

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/leonletto/chatcore/internal/store"
)

// ErrTopicNotFound is returned when a post targets a missing topic.
var ErrTopicNotFound = errors.New("topic not found")

// Topic is a forum topic.
type Topic struct {
	ID             int64
	Title          string
	CategoryID     *int64
	Tags           []string
	UserID         int64
	PostsCount     int
	IdempotencyKey string
	CreatedAt      time.Time
}

// Post is one post in a topic.
type Post struct {
	ID             int64
	TopicID        int64
	UserID         int64
	Raw            string
	PostNumber     int
	IdempotencyKey string
	CreatedAt      time.Time
}

// TopicParams describes a new topic. Raw, when set, becomes its first post.
// A non-empty IdempotencyKey makes CreateTopic return the topic already
// created under that key, first post included, instead of a second one.
type TopicParams struct {
	UserID         int64
	Title          string
	CategoryID     *int64
	Tags           []string
	Raw            string
	IdempotencyKey string
}

// PostParams describes a new post. A non-empty IdempotencyKey makes
// CreatePost return the existing post instead of writing a second one.
type PostParams struct {
	UserID         int64
	TopicID        int64
	Raw            string
	IdempotencyKey string
}

// Sink creates forum content.
type Sink interface {
	CreateTopic(ctx context.Context, p TopicParams) (*Topic, error)
	CreatePost(ctx context.Context, p PostParams) (*Post, error)
}

// SQLSink stores topics and posts in the forum_topics and forum_posts tables.
type SQLSink struct {
	db  *store.DB
	now func() time.Time
}

// NewSQLSink creates a SQLSink.
func NewSQLSink(db *store.DB) *SQLSink {
	return &SQLSink{db: db, now: time.Now}
}

// CreateTopic inserts a topic and, when p.Raw is set, its first post.
func (s *SQLSink) CreateTopic(ctx context.Context, p TopicParams) (*Topic, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return nil, errors.New("topic title is required")
	}
	now := s.now().UTC()
	stamp := store.FormatTime(now)

	var key any
	if p.IdempotencyKey != "" {
		key = p.IdempotencyKey
	}
	var id int64
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if p.IdempotencyKey != "" {
			err := tx.QueryRowContext(ctx,
				"SELECT id FROM forum_topics WHERE idempotency_key = ?", p.IdempotencyKey).Scan(&id)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("query topic by key: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO forum_topics (title, category_id, tags, user_id, idempotency_key, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`, title, store.NullableInt(p.CategoryID), store.JoinTags(p.Tags), p.UserID, key, stamp)
		if err != nil {
			return fmt.Errorf("insert topic: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("topic id: %w", err)
		}
		if p.Raw == "" {
			return nil
		}
		_, err = insertPost(ctx, tx, PostParams{UserID: p.UserID, TopicID: id, Raw: p.Raw}, stamp)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetTopic(ctx, id)
}

// CreatePost appends a post to a topic.
func (s *SQLSink) CreatePost(ctx context.Context, p PostParams) (*Post, error) {
	if strings.TrimSpace(p.Raw) == "" {
		return nil, errors.New("post body is required")
	}
	if p.IdempotencyKey != "" {
		existing, err := s.postByKey(ctx, s.db, p.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	stamp := store.FormatTime(s.now().UTC())
	var id int64
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertPost(ctx, tx, p, stamp)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.getPost(ctx, id)
}

func insertPost(ctx context.Context, tx *sql.Tx, p PostParams, stamp string) (int64, error) {
	var number int
	err := tx.QueryRowContext(ctx, "SELECT posts_count FROM forum_topics WHERE id = ?", p.TopicID).Scan(&number)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("post to topic %d: %w", p.TopicID, ErrTopicNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("query topic: %w", err)
	}

	var key any
	if p.IdempotencyKey != "" {
		key = p.IdempotencyKey
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO forum_posts (topic_id, user_id, raw, post_number, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, p.TopicID, p.UserID, p.Raw, number+1, key, stamp)
	if err != nil {
		return 0, fmt.Errorf("insert post: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE forum_topics SET posts_count = posts_count + 1 WHERE id = ?", p.TopicID); err != nil {
		return 0, fmt.Errorf("bump posts count: %w", err)
	}
	return res.LastInsertId()
}

// GetTopic loads a topic.
func (s *SQLSink) GetTopic(ctx context.Context, id int64) (*Topic, error) {
	var (
		t          Topic
		categoryID sql.NullInt64
		tags       string
		key        sql.NullString
		createdAt  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, category_id, tags, user_id, posts_count, idempotency_key, created_at
		FROM forum_topics WHERE id = ?`, id).Scan(
		&t.ID, &t.Title, &categoryID, &tags, &t.UserID, &t.PostsCount, &key, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTopicNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query topic: %w", err)
	}
	if categoryID.Valid {
		t.CategoryID = &categoryID.Int64
	}
	t.Tags = store.SplitTags(tags)
	t.IdempotencyKey = key.String
	if t.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// Posts lists a topic's posts in order.
func (s *SQLSink) Posts(ctx context.Context, topicID int64) ([]*Post, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+postColumns+" FROM forum_posts WHERE topic_id = ? ORDER BY post_number", topicID)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return out, nil
}

const postColumns = "id, topic_id, user_id, raw, post_number, idempotency_key, created_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(row scanner) (*Post, error) {
	var (
		p         Post
		key       sql.NullString
		createdAt string
	)
	if err := row.Scan(&p.ID, &p.TopicID, &p.UserID, &p.Raw, &p.PostNumber, &key, &createdAt); err != nil {
		return nil, err
	}
	p.IdempotencyKey = key.String
	var err error
	if p.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLSink) getPost(ctx context.Context, id int64) (*Post, error) {
	p, err := scanPost(s.db.QueryRowContext(ctx, "SELECT "+postColumns+" FROM forum_posts WHERE id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("query post: %w", err)
	}
	return p, nil
}

func (s *SQLSink) postByKey(ctx context.Context, q store.Queryer, key string) (*Post, error) {
	p, err := scanPost(q.QueryRowContext(ctx,
		"SELECT "+postColumns+" FROM forum_posts WHERE idempotency_key = ?", key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query post by key: %w", err)
	}
	return p, nil
}
