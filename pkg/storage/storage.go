// Package storage persists the users and searches collections.
//
// Every backend implements UpsertUser as a single atomic operation inside the
// storage engine, so concurrent requests from the same identity never lose a
// count increment. Searches are append-only; there is no update or delete path.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ngoyal88/searchlog/pkg/cache"
	"github.com/ngoyal88/searchlog/pkg/config"
)

var (
	ErrInvalidKey    = errors.New("storage: invalid user key")
	ErrNotFound      = errors.New("storage: not found")
	ErrUnknownDriver = errors.New("storage: unknown driver")

	// ErrUnavailable marks failures that happened before the operation
	// reached the database. Nothing was written.
	ErrUnavailable = errors.New("storage: unavailable")
)

const (
	maxKeyLength     = 256
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Writer is the write path used while serving requests.
type Writer interface {
	UpsertUser(ctx context.Context, u UserUpsert) (*UserRecord, error)
	InsertSearch(ctx context.Context, rec *SearchRecord) (string, error)
}

// Store defines the interface for persisting users and searches.
type Store interface {
	Writer

	// Read side, used by the admin API only.
	GetUser(ctx context.Context, key string) (*UserRecord, error)
	ListSearches(ctx context.Context, filter SearchFilter) ([]*SearchRecord, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// Open creates the backend selected by cfg.Driver. rdb is only required for
// the redis driver; pass nil otherwise.
func Open(ctx context.Context, cfg config.StorageConfig, rdb *cache.Client) (Store, error) {
	switch cfg.Driver {
	case "mongo":
		return NewMongoStore(ctx, cfg.Mongo)
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis storage requires a redis client")
		}
		return NewRedisStore(rdb), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite.Path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// NotWritten reports whether err guarantees the operation left no trace in
// the database, which makes even a non-idempotent write safe to retry.
// Timeouts and mid-request network errors are ambiguous and report false.
func NotWritten(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// NewSearchID returns an id valid for every backend. Assigning it before the
// first attempt makes InsertSearch retries idempotent.
func NewSearchID() string {
	return primitive.NewObjectID().Hex()
}

// ValidateKey rejects keys no backend can store safely.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case len(key) > maxKeyLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidKey, maxKeyLength)
	case !utf8.ValidString(key):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidKey)
	case strings.ContainsAny(key, "\x00\r\n"):
		return fmt.Errorf("%w: contains control characters", ErrInvalidKey)
	}
	return nil
}

func prepareUpsert(u *UserUpsert) error {
	if err := ValidateKey(u.Key); err != nil {
		return err
	}
	if u.SeenAt.IsZero() {
		u.SeenAt = time.Now()
	}
	u.SeenAt = u.SeenAt.UTC()
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	return nil
}

func prepareSearch(rec *SearchRecord) error {
	if rec == nil {
		return fmt.Errorf("storage: nil search record")
	}
	if err := ValidateKey(rec.UserKey); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return nil
}

func (f SearchFilter) normalized() SearchFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func (f SearchFilter) matches(rec *SearchRecord) bool {
	if f.UserKey != "" && rec.UserKey != f.UserKey {
		return false
	}
	if f.Model != "" && rec.Model != f.Model {
		return false
	}
	if !f.From.IsZero() && rec.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.Timestamp.After(f.To) {
		return false
	}
	return true
}
