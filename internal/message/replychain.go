package message

import (
	"context"
	"errors"
	"fmt"

	"github.com/leonletto/chatcore/internal/apperr"
	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/store"
)

// DefaultMaxReplyDepth bounds the reply-chain walk.
const DefaultMaxReplyDepth = 1000

// Chain is a reply chain from a reply target up to its root.
type Chain struct {
	// Messages runs from the reply target (first) to the root (last).
	Messages []*chat.Message

	// ThreadID is the thread of the nearest message in the chain that has one.
	ThreadID *int64
}

// Target is the message being replied to.
func (c *Chain) Target() *chat.Message {
	return c.Messages[0]
}

// Root is the original message of the chain.
func (c *Chain) Root() *chat.Message {
	return c.Messages[len(c.Messages)-1]
}

// WalkReplyChain follows in_reply_to from startID to the root. Every link
// must exist, be live and sit in channelID. Cycles and chains deeper than
// maxDepth are reported as a corrupt chain rather than walked forever.
func WalkReplyChain(ctx context.Context, q store.Queryer, startID, channelID int64, maxDepth int) (*Chain, *apperr.Failure, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxReplyDepth
	}

	chain := &Chain{}
	visited := make(map[int64]bool)
	next := startID
	for {
		if visited[next] || len(chain.Messages) >= maxDepth {
			return nil, apperr.New(apperr.CodeNotFound, "original message not found", "reply chain is corrupt"), nil
		}
		visited[next] = true

		msg, err := store.GetMessage(ctx, q, next)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.OriginalMessageNotFound(), nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("walk reply chain: %w", err)
		}
		if msg.Deleted() || msg.ChannelID != channelID {
			return nil, apperr.OriginalMessageNotFound(), nil
		}

		chain.Messages = append(chain.Messages, msg)
		if chain.ThreadID == nil && msg.ThreadID != nil {
			chain.ThreadID = msg.ThreadID
		}
		if msg.InReplyToID == nil {
			return chain, nil, nil
		}
		next = *msg.InReplyToID
	}
}
