package core

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

const (
	// DefaultHistoryLimit is used when a history query does not specify a limit.
	DefaultHistoryLimit = 100
	// MaxHistoryLimit caps the limit of any history query regardless of caller input.
	MaxHistoryLimit = 500
	// DefaultMaxMessageLength is the maximum number of runes in a message text.
	DefaultMaxMessageLength = 4000
)

// MessageRecord is the canonical shape of a chat message.
// CreatedAt is assigned exactly once by the server at ingest time and is the total order key
// for the record everywhere: cache score, pagination cursor and durable sort key.
// A record is never mutated after it is created.
type MessageRecord struct {
	ID       string `json:"id"`
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Text     string `json:"text"`
	// CreatedAt is an epoch-millisecond timestamp.
	CreatedAt int64 `json:"createdAt"`
}

// Time returns CreatedAt as a time.Time.
func (m MessageRecord) Time() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// Direction is the paging direction of a history query relative to its cursor.
// It is a closed set: only Older and Newer exist.
type Direction int

const (
	// Older pages towards the beginning of the room history. It is the default.
	Older Direction = iota
	// Newer pages towards the end of the room history.
	Newer
)

func (d Direction) String() string {
	switch d {
	case Newer:
		return "newer"
	default:
		return "older"
	}
}

// ParseDirection parses the wire form of a direction.
// An empty string yields Older.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "older":
		return Older, nil
	case "newer":
		return Newer, nil
	default:
		return Older, fmt.Errorf("%w: direction must be older or newer", ErrValidation)
	}
}

// HistoryQuery describes a cursor based window over a room history.
type HistoryQuery struct {
	RoomID string
	// Cursor is an exclusive createdAt bound. Nil means "start from the newest record".
	Cursor    *int64
	Direction Direction
	Limit     int
}

// Normalize applies the default limit and the limit cap.
func (q HistoryQuery) Normalize() HistoryQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	return q
}

// Validate reports ErrValidation for a malformed query.
func (q HistoryQuery) Validate() error {
	if strings.TrimSpace(q.RoomID) == "" {
		return fmt.Errorf("%w: roomId is required", ErrValidation)
	}
	if q.Direction != Older && q.Direction != Newer {
		return fmt.Errorf("%w: unknown direction", ErrValidation)
	}
	if q.Cursor != nil && *q.Cursor < 0 {
		return fmt.Errorf("%w: cursor must not be negative", ErrValidation)
	}
	return nil
}

// SendMessageInput is the caller supplied part of a send. Authorship never comes from here.
type SendMessageInput struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}

// Validate trims the input and checks it against maxLength runes.
func (in *SendMessageInput) Validate(maxLength int) error {
	in.RoomID = strings.TrimSpace(in.RoomID)
	in.Text = strings.TrimSpace(in.Text)
	if in.RoomID == "" {
		return fmt.Errorf("%w: roomId is required", ErrValidation)
	}
	if in.Text == "" {
		return fmt.Errorf("%w: text is required", ErrValidation)
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	if utf8.RuneCountInString(in.Text) > maxLength {
		return fmt.Errorf("%w: text exceeds %d characters", ErrValidation, maxLength)
	}
	return nil
}

// IDGenerator produces unique message ids.
type IDGenerator interface {
	NewID(t time.Time) string
}

// ULIDGenerator generates monotonic ULIDs, so ids minted in the same millisecond still sort in
// creation order.
type ULIDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *ULIDGenerator) NewID(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}
