// Package archive converts a retiring channel's history into forum posts.
//
// An archive moves through requested → in_progress → complete, or to failed,
// from which Run may start again. The channel is made read_only on request so
// no message can slip in behind the batch cursor. Each batch is posted to the
// forum and then soft-deleted in its own transaction; a retry skips every
// batch that already went through.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/leonletto/chatcore/internal/apperr"
	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/config"
	"github.com/leonletto/chatcore/internal/events"
	"github.com/leonletto/chatcore/internal/forum"
	"github.com/leonletto/chatcore/internal/metrics"
	"github.com/leonletto/chatcore/internal/store"
	"github.com/leonletto/chatcore/internal/uploads"
)

// DefaultBatchSize is used when Config.BatchSize is not positive.
const DefaultBatchSize = 100

// ErrAlreadyRunning is returned when a channel's archive is already being processed.
var ErrAlreadyRunning = errors.New("archive already running for this channel")

// ErrNoArchive is returned by Run when the channel has no archive record.
var ErrNoArchive = errors.New("channel has no archive request")

// Config holds archive settings.
type Config struct {
	BatchSize int
	// BatchesPerSecond paces batches; zero means unlimited.
	BatchesPerSecond  float64
	DefaultTags       []string
	DefaultCategoryID int64
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c config.ArchiveConfig) Config {
	return Config{
		BatchSize:         c.BatchSize,
		BatchesPerSecond:  c.BatchesPerSecond,
		DefaultTags:       c.DefaultTags,
		DefaultCategoryID: c.DefaultCategoryID,
	}
}

// RequestParams describes where a channel should be archived to.
// Either TopicID or TopicTitle must be set.
type RequestParams struct {
	ChannelID  int64
	ActorID    int64
	TopicID    *int64
	TopicTitle string
	CategoryID *int64
	Tags       []string
}

// topicGetter is implemented by sinks that can confirm a topic exists.
type topicGetter interface {
	GetTopic(ctx context.Context, id int64) (*forum.Topic, error)
}

// Service runs channel archives.
type Service struct {
	cfg     Config
	db      *store.DB
	sink    forum.Sink
	events  events.Publisher
	logger  zerolog.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu      sync.Mutex
	running map[int64]bool
	wg      sync.WaitGroup

	// crash, when set, runs after each batch stage ("posted", "deleted").
	// Returning an error aborts the run at that point.
	crash func(stage string, batch int) error
}

// NewService creates a Service.
func NewService(cfg Config, db *store.DB, sink forum.Sink, publisher events.Publisher, logger zerolog.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	limit := rate.Inf
	if cfg.BatchesPerSecond > 0 {
		limit = rate.Limit(cfg.BatchesPerSecond)
	}
	return &Service{
		cfg:     cfg,
		db:      db,
		sink:    sink,
		events:  publisher,
		logger:  logger.With().Str("component", "archive").Logger(),
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		running: make(map[int64]bool),
	}
}

// Request records an archive for a channel and makes the channel read_only.
// Requesting an archive for a channel that already has one returns the
// existing record unchanged.
func (s *Service) Request(ctx context.Context, p RequestParams) (*chat.ChannelArchive, *apperr.Failure, error) {
	channel, err := store.GetChannel(ctx, s.db, p.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("channel"), nil
	}
	if err != nil {
		return nil, nil, err
	}

	existing, err := store.GetChannelArchive(ctx, s.db, channel.ID)
	if err == nil {
		s.logger.Debug().Int64("channel_id", channel.ID).Str("archive_state", string(existing.State)).
			Msg("archive already requested")
		return existing, nil, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}

	if channel.IsDirect() {
		return nil, apperr.InvalidChannel("direct message channels cannot be archived"), nil
	}
	if channel.Status == chat.StatusArchived {
		return nil, apperr.InvalidChannel("channel is already archived"), nil
	}
	title := strings.TrimSpace(p.TopicTitle)
	if p.TopicID == nil && title == "" {
		return nil, apperr.Validation("a destination topic or a new topic title is required"), nil
	}
	if p.TopicID != nil {
		if getter, ok := s.sink.(topicGetter); ok {
			if _, err := getter.GetTopic(ctx, *p.TopicID); errors.Is(err, forum.ErrTopicNotFound) {
				return nil, apperr.NotFound("topic"), nil
			} else if err != nil {
				return nil, nil, err
			}
		}
		title = ""
	}

	category := p.CategoryID
	if category == nil && s.cfg.DefaultCategoryID != 0 {
		c := s.cfg.DefaultCategoryID
		category = &c
	}
	tags := p.Tags
	if len(tags) == 0 {
		tags = s.cfg.DefaultTags
	}

	stamp := store.FormatTime(s.now().UTC())
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE channels SET status = ?, updated_at = ? WHERE id = ?", chat.StatusReadOnly, stamp, channel.ID); err != nil {
			return fmt.Errorf("set channel read only: %w", err)
		}
		var total int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM messages WHERE channel_id = ? AND deleted_at IS NULL", channel.ID).Scan(&total); err != nil {
			return fmt.Errorf("count messages: %w", err)
		}
		var titleArg any
		if title != "" {
			titleArg = title
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO channel_archives (channel_id, archived_by_id, state, destination_topic_id,
				destination_topic_title, destination_category_id, destination_tags, total_messages, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (channel_id) DO NOTHING`,
			channel.ID, p.ActorID, chat.ArchiveRequested, store.NullableInt(p.TopicID), titleArg,
			store.NullableInt(category), store.JoinTags(tags), total, stamp, stamp)
		if err != nil {
			return fmt.Errorf("insert channel archive: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	a, err := store.GetChannelArchive(ctx, s.db, channel.ID)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info().Int64("channel_id", channel.ID).Int64("actor_id", p.ActorID).
		Int("total_messages", a.TotalMessages).Msg("archive requested")
	return a, nil, nil
}

// Status returns the archive record of a channel.
func (s *Service) Status(ctx context.Context, channelID int64) (*chat.ChannelArchive, *apperr.Failure, error) {
	a, err := store.GetChannelArchive(ctx, s.db, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("archive"), nil
	}
	if err != nil {
		return nil, nil, err
	}
	return a, nil, nil
}

// Archive requests an archive and runs it to completion.
func (s *Service) Archive(ctx context.Context, p RequestParams) (*chat.ChannelArchive, *apperr.Failure, error) {
	_, f, err := s.Request(ctx, p)
	if err != nil || f != nil {
		return nil, f, err
	}
	runErr := s.Run(ctx, p.ChannelID)
	a, _, err := s.Status(ctx, p.ChannelID)
	if err != nil {
		return nil, nil, err
	}
	if runErr != nil {
		if errors.Is(runErr, ErrAlreadyRunning) {
			return a, nil, nil
		}
		return a, apperr.ArchiveFailed(runErr), nil
	}
	return a, nil, nil
}

// Start runs the archive in the background. The run outlives ctx's cancellation.
func (s *Service) Start(ctx context.Context, channelID int64) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Run(ctx, channelID); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.Warn().Err(err).Int64("channel_id", channelID).Msg("background archive failed")
		}
	}()
}

// Wait blocks until every run started with Start has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

// RetryFailed reruns every failed archive and returns how many completed.
func (s *Service) RetryFailed(ctx context.Context) (int, error) {
	failed, err := store.ListChannelArchives(ctx, s.db, chat.ArchiveFailed)
	if err != nil {
		return 0, err
	}
	var (
		completed int
		errs      []error
	)
	for _, a := range failed {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		switch err := s.Run(ctx, a.ChannelID); {
		case err == nil:
			completed++
		case errors.Is(err, ErrAlreadyRunning):
		default:
			errs = append(errs, fmt.Errorf("channel %d: %w", a.ChannelID, err))
		}
	}
	return completed, errors.Join(errs...)
}

// ResumeInterrupted starts a background run for every archive left requested
// or in_progress by a previous process. Returns how many were started.
func (s *Service) ResumeInterrupted(ctx context.Context) (int, error) {
	var started int
	for _, state := range []chat.ArchiveState{chat.ArchiveRequested, chat.ArchiveInProgress} {
		pending, err := store.ListChannelArchives(ctx, s.db, state)
		if err != nil {
			return started, err
		}
		for _, a := range pending {
			s.Start(ctx, a.ChannelID)
			started++
		}
	}
	return started, nil
}

// Run processes a requested or failed archive. A complete archive is a no-op.
func (s *Service) Run(ctx context.Context, channelID int64) error {
	if !s.claim(channelID) {
		return ErrAlreadyRunning
	}
	defer s.release(channelID)

	a, err := store.GetChannelArchive(ctx, s.db, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNoArchive
	}
	if err != nil {
		return err
	}
	if a.State == chat.ArchiveComplete {
		return nil
	}
	channel, err := store.GetChannel(ctx, s.db, channelID)
	if err != nil {
		return err
	}

	if err := s.setState(ctx, a.ID, chat.ArchiveInProgress, ""); err != nil {
		return err
	}
	a.State = chat.ArchiveInProgress
	a.Error = ""
	s.events.Publish(ctx, events.New(events.ArchiveStarted, channelID, a.ArchivedByID, events.ArchivePayload{Archive: a}))
	log := s.logger.With().Int64("channel_id", channelID).Int64("archive_id", a.ID).Logger()
	log.Info().Int("total_messages", a.TotalMessages).Int("archived_messages", a.ArchivedMessages).Msg("archive started")

	if err := s.process(ctx, log, a, channel); err != nil {
		return s.fail(ctx, log, a, err)
	}

	done, err := store.GetChannelArchive(ctx, s.db, channelID)
	if err != nil {
		return err
	}
	metrics.ArchiveRuns.WithLabelValues("complete").Inc()
	log.Info().Int("archived_messages", done.ArchivedMessages).Msg("archive complete")
	s.events.Publish(ctx, events.New(events.ArchiveCompleted, channelID, a.ArchivedByID, events.ArchivePayload{Archive: done}))
	return nil
}

func (s *Service) claim(channelID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[channelID] {
		return false
	}
	s.running[channelID] = true
	return true
}

func (s *Service) release(channelID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, channelID)
}

func (s *Service) process(ctx context.Context, log zerolog.Logger, a *chat.ChannelArchive, channel *chat.Channel) error {
	topicID, err := s.destination(ctx, log, a, channel)
	if err != nil {
		return err
	}

	names := make(map[int64]string)
	var (
		after *cursor
		batch int
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs, err := s.nextBatch(ctx, channel.ID, after)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			break
		}
		batch++
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		raw, err := s.transcript(ctx, channel, msgs, names)
		if err != nil {
			return err
		}
		first, last := msgs[0].ID, msgs[len(msgs)-1].ID
		post, err := s.sink.CreatePost(ctx, forum.PostParams{
			UserID:         a.ArchivedByID,
			TopicID:        topicID,
			Raw:            raw,
			IdempotencyKey: fmt.Sprintf("archive:%d:%d-%d", channel.ID, first, last),
		})
		if err != nil {
			return fmt.Errorf("create post for batch %d: %w", batch, err)
		}
		if err := s.crashAt("posted", batch); err != nil {
			return err
		}

		n, err := s.retire(ctx, a, msgs)
		if err != nil {
			return fmt.Errorf("delete batch %d: %w", batch, err)
		}
		metrics.ArchiveBatches.Inc()
		metrics.ArchivedMessages.Add(float64(n))
		log.Debug().Int("batch", batch).Int64("post_id", post.ID).Int64("archived", n).Msg("batch archived")
		if err := s.crashAt("deleted", batch); err != nil {
			return err
		}

		lastMsg := msgs[len(msgs)-1]
		after = &cursor{createdAt: store.FormatTime(lastMsg.CreatedAt), id: lastMsg.ID}
		if len(msgs) < s.cfg.BatchSize {
			break
		}
	}

	return s.finish(ctx, a, channel.ID)
}

func (s *Service) crashAt(stage string, batch int) error {
	if s.crash == nil {
		return nil
	}
	return s.crash(stage, batch)
}

// destination returns the topic batches are posted to, creating it with a
// first post only when the record has none.
func (s *Service) destination(ctx context.Context, log zerolog.Logger, a *chat.ChannelArchive, channel *chat.Channel) (int64, error) {
	if !a.NewTopic() {
		log.Debug().Int64("topic_id", *a.DestinationTopicID).Msg("archive destination already set")
		return *a.DestinationTopicID, nil
	}
	topic, err := s.sink.CreateTopic(ctx, forum.TopicParams{
		UserID:         a.ArchivedByID,
		Title:          a.DestinationTopicTitle,
		CategoryID:     a.DestinationCategoryID,
		Tags:           a.DestinationTags,
		Raw:            firstPost(channel),
		IdempotencyKey: topicKey(channel.ID),
	})
	if err != nil {
		return 0, fmt.Errorf("create destination topic: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE channel_archives SET destination_topic_id = ?, updated_at = ? WHERE id = ?",
		topic.ID, store.FormatTime(s.now().UTC()), a.ID); err != nil {
		return 0, fmt.Errorf("record destination topic: %w", err)
	}
	log.Info().Int64("topic_id", topic.ID).Msg("archive destination created")
	return topic.ID, nil
}

// topicKey lets a rerun find a topic created by a run that died before
// recording it.
func topicKey(channelID int64) string {
	return fmt.Sprintf("archive:%d:topic", channelID)
}

type cursor struct {
	createdAt string
	id        int64
}

func (s *Service) nextBatch(ctx context.Context, channelID int64, after *cursor) ([]*chat.Message, error) {
	query := "SELECT " + store.MessageColumns + " FROM messages WHERE channel_id = ? AND deleted_at IS NULL"
	args := []any{channelID}
	if after != nil {
		query += " AND (created_at > ? OR (created_at = ? AND id > ?))"
		args = append(args, after.createdAt, after.createdAt, after.id)
	}
	query += " ORDER BY created_at, id LIMIT ?"
	args = append(args, s.cfg.BatchSize)
	return store.ListMessages(ctx, s.db, query, args...)
}

// retire soft-deletes a posted batch and counts it, in one transaction.
func (s *Service) retire(ctx context.Context, a *chat.ChannelArchive, msgs []*chat.Message) (int64, error) {
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	marks, idArgs := store.Placeholders(ids)
	stamp := store.FormatTime(s.now().UTC())

	var n int64
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		args := append([]any{stamp, a.ArchivedByID, stamp}, idArgs...)
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET deleted_at = ?, deleted_by_id = ?, updated_at = ?
			WHERE deleted_at IS NULL AND id IN (`+marks+`)`, args...)
		if err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("deleted rows: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE channel_archives SET archived_messages = archived_messages + ?, updated_at = ?
			WHERE id = ?`, n, stamp, a.ID); err != nil {
			return fmt.Errorf("count archived messages: %w", err)
		}
		return nil
	})
	return n, err
}

func (s *Service) finish(ctx context.Context, a *chat.ChannelArchive, channelID int64) error {
	stamp := store.FormatTime(s.now().UTC())
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM memberships WHERE channel_id = ?", channelID); err != nil {
			return fmt.Errorf("drop memberships: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE channels SET status = ?, user_count = 0, updated_at = ? WHERE id = ?",
			chat.StatusArchived, stamp, channelID); err != nil {
			return fmt.Errorf("mark channel archived: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE channel_archives SET state = ?, archive_error = NULL, updated_at = ? WHERE id = ?",
			chat.ArchiveComplete, stamp, a.ID); err != nil {
			return fmt.Errorf("mark archive complete: %w", err)
		}
		return nil
	})
}

// fail records cause on the archive and returns it.
func (s *Service) fail(ctx context.Context, log zerolog.Logger, a *chat.ChannelArchive, cause error) error {
	ctx = context.WithoutCancel(ctx)
	metrics.ArchiveRuns.WithLabelValues("failed").Inc()
	log.Error().Err(cause).Msg("archive failed")

	if err := s.setState(ctx, a.ID, chat.ArchiveFailed, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	failed, err := store.GetChannelArchive(ctx, s.db, a.ChannelID)
	if err != nil {
		return errors.Join(cause, err)
	}
	s.events.Publish(ctx, events.New(events.ArchiveFailed, a.ChannelID, a.ArchivedByID, events.ArchivePayload{
		Archive: failed,
		Error:   "the channel could not be archived",
	}))
	return cause
}

func (s *Service) setState(ctx context.Context, id int64, state chat.ArchiveState, errText string) error {
	var errArg any
	if errText != "" {
		errArg = errText
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE channel_archives SET state = ?, archive_error = ?, updated_at = ? WHERE id = ?",
		state, errArg, store.FormatTime(s.now().UTC()), id)
	if err != nil {
		return fmt.Errorf("set archive state %s: %w", state, err)
	}
	return nil
}

func firstPost(channel *chat.Channel) string {
	return fmt.Sprintf("This topic holds the archived messages of the #%s chat channel.", channel.Name)
}

// transcript renders a batch as chained quote blocks. names caches usernames
// across batches.
func (s *Service) transcript(ctx context.Context, channel *chat.Channel, msgs []*chat.Message, names map[int64]string) (string, error) {
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	files, err := uploads.ForMessages(ctx, s.db, ids)
	if err != nil {
		return "", err
	}

	blocks := make([]string, 0, len(msgs))
	for _, m := range msgs {
		name, ok := names[m.UserID]
		if !ok {
			u, err := store.GetUser(ctx, s.db, m.UserID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				name = "deleted"
			case err != nil:
				return "", err
			default:
				name = u.Username
			}
			names[m.UserID] = name
		}
		blocks = append(blocks, quoteBlock(channel, m, name, files[m.ID]))
	}
	return strings.Join(blocks, "\n\n"), nil
}

func quoteBlock(channel *chat.Channel, m *chat.Message, username string, files []chat.Upload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[chat quote=\"%s;%d;%s\" channel=\"%s\" channelId=\"%d\" multiQuote=\"true\" chained=\"true\"]\n",
		username, m.ID, m.CreatedAt.UTC().Format(time.RFC3339), channel.Name, channel.ID)
	b.WriteString(m.Message)
	for _, f := range files {
		fmt.Fprintf(&b, "\n\n[%s](%s)", f.OriginalFilename, f.URL)
	}
	b.WriteString("\n[/chat]")
	return b.String()
}
