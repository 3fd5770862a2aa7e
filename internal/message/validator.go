package message

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/leonletto/chatcore/internal/store"
)

// Validator checks message content before anything is written.
type Validator struct {
	minLength       int
	maxLength       int
	duplicateWindow time.Duration
	banned          *regexp.Regexp
}

// NewValidator builds a validator from cfg.
func NewValidator(cfg Config) *Validator {
	v := &Validator{
		minLength:       cfg.MinLength,
		maxLength:       cfg.MaxLength,
		duplicateWindow: cfg.DuplicateWindow,
	}

	var words []string
	for _, w := range cfg.BannedWords {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, regexp.QuoteMeta(w))
		}
	}
	if len(words) > 0 {
		v.banned = regexp.MustCompile(`(?i)(^|[^\p{L}\p{N}_])(` + strings.Join(words, "|") + `)($|[^\p{L}\p{N}_])`)
	}
	return v
}

// Input is the content under validation.
type Input struct {
	ChannelID  int64
	UserID     int64
	Text       string
	HasUploads bool
	Now        time.Time

	// SkipDuplicate disables the duplicate-within-window check. Edits set it.
	SkipDuplicate bool
}

// Validate returns why in fails validation, or nil when it passes.
// The error is reserved for store failures.
func (v *Validator) Validate(ctx context.Context, q store.Queryer, in Input) ([]string, error) {
	text := strings.TrimSpace(in.Text)
	length := utf8.RuneCountInString(text)

	var reasons []string
	switch {
	case length == 0 && !in.HasUploads:
		reasons = append(reasons, "message cannot be blank")
	case length == 0:
	case length < v.minLength:
		reasons = append(reasons, fmt.Sprintf("message must be at least %d characters", v.minLength))
	case v.maxLength > 0 && length > v.maxLength:
		reasons = append(reasons, fmt.Sprintf("message must be at most %d characters", v.maxLength))
	}

	if v.banned != nil && v.banned.MatchString(text) {
		reasons = append(reasons, "message contains a banned word")
	}

	if !in.SkipDuplicate && length > 0 && v.duplicateWindow > 0 {
		dup, err := v.duplicate(ctx, q, in, text)
		if err != nil {
			return nil, err
		}
		if dup {
			reasons = append(reasons, "you just posted the same message")
		}
	}
	return reasons, nil
}

func (v *Validator) duplicate(ctx context.Context, q store.Queryer, in Input, text string) (bool, error) {
	since := store.FormatTime(in.Now.Add(-v.duplicateWindow))
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM messages
			WHERE channel_id = ? AND user_id = ? AND deleted_at IS NULL
			  AND trim(message) = ? AND created_at >= ?
		)`, in.ChannelID, in.UserID, text, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check duplicate message: %w", err)
	}
	return exists, nil
}
