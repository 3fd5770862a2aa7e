package identity

import (
	"crypto/rand"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	// usernameRegex matches names that can be @-mentioned.
	usernameRegex = regexp.MustCompile(`^[\p{L}\p{N}_][\p{L}\p{N}_.\-]*$`)

	// reservedNames collide with global mentions or the system author.
	reservedNames = map[string]bool{
		"all":    true,
		"here":   true,
		"system": true,
	}
)

// GenerateEventID returns an event identifier.
// Format: "evt_" + ulid().
func GenerateEventID(at time.Time) string {
	return "evt_" + generateULID(at)
}

// GenerateRequestID returns a request correlation identifier.
func GenerateRequestID() string {
	return uuid.NewString()
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

func generateULID(at time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), ulidEntropy).String()
}

// EventTime extracts the timestamp embedded in an event id.
func EventTime(eventID string) (time.Time, error) {
	id, err := ulid.Parse(strings.TrimPrefix(eventID, "evt_"))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ULID: %w", err)
	}
	ms := id.Time()
	if ms/1000 > uint64(math.MaxInt64) {
		return time.Time{}, fmt.Errorf("ULID timestamp %d exceeds int64 range", ms)
	}
	return time.Unix(int64(ms/1000), int64(ms%1000)*1e6), nil //nolint:gosec // overflow checked above
}

// ValidateUsername checks that a username can be mentioned unambiguously.
func ValidateUsername(name string) error {
	if name == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if !usernameRegex.MatchString(name) {
		return fmt.Errorf("username %q contains characters that cannot be mentioned", name)
	}
	if reservedNames[strings.ToLower(name)] {
		return fmt.Errorf("username %q is reserved", name)
	}
	return nil
}

// IsReserved reports whether name is a global mention keyword or the system author.
func IsReserved(name string) bool {
	return reservedNames[strings.ToLower(name)]
}
