package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// LogSink writes every notification to a logger.
type LogSink struct {
	Logger zerolog.Logger
}

// Notify logs the notification at debug level.
func (s LogSink) Notify(_ context.Context, userIDs []int64, kind Kind, payload any) error {
	s.Logger.Debug().Str("kind", string(kind)).Ints64("user_ids", userIDs).
		Interface("payload", payload).Msg("notification")
	return nil
}

// MultiSink delivers to every sink and joins their errors.
type MultiSink []Sink

// Notify calls every sink, even after one fails.
func (m MultiSink) Notify(ctx context.Context, userIDs []int64, kind Kind, payload any) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, userIDs, kind, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Delivery is one recorded Notify call.
type Delivery struct {
	UserIDs []int64
	Kind    Kind
	Payload any
}

// RecordingSink keeps every delivery in memory.
type RecordingSink struct {
	mu         sync.Mutex
	deliveries []Delivery
}

// Notify records the call.
func (r *RecordingSink) Notify(_ context.Context, userIDs []int64, kind Kind, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, Delivery{UserIDs: userIDs, Kind: kind, Payload: payload})
	return nil
}

// Deliveries returns a copy of the recorded calls.
func (r *RecordingSink) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, len(r.deliveries))
	copy(out, r.deliveries)
	return out
}

// Recipients returns the users notified with kind, in delivery order.
func (r *RecordingSink) Recipients(kind Kind) []int64 {
	var ids []int64
	for _, d := range r.Deliveries() {
		if d.Kind == kind {
			ids = append(ids, d.UserIDs...)
		}
	}
	return ids
}
