package coordkv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

// Store is the coordination key-value surface: ephemeral keys with TTL
// plus a lease primitive. Fences, scheduler locks and progress markers
// all live here; nothing durable does.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string) ([]string, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// ErrLeaseLost is returned by Reacquire when another holder took the key
// or the lease expired. Holders must abort rather than keep working.
var ErrLeaseLost = errors.New("coordkv: lease lost")

// ErrLeaseHeld is returned by Acquire when the key is already held.
var ErrLeaseHeld = errors.New("coordkv: lease already held")

type store struct {
	log *logger.Logger
	rdb *goredis.Client
}

func New(log *logger.Logger) (Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &store{log: log.With("service", "CoordKV"), rdb: rdb}, nil
}

// NewWithClient wires an existing client; tests inject miniredis-style fakes here.
func NewWithClient(log *logger.Logger, rdb *goredis.Client) Store {
	return &store{log: log.With("service", "CoordKV"), rdb: rdb}
}

func (s *store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *store) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *store) Scan(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", 256).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (s *store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return s.rdb.IncrBy(ctx, key, delta).Result()
}

// Lease is a fenced short-TTL lock. The token guards against reacquiring
// a key that another holder grabbed after our TTL lapsed.
type Lease struct {
	store *store
	mem   *memoryStore
	Key   string
	Token string
	TTL   time.Duration
}

var reacquireScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return -1
`)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *store) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid())
	ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return &Lease{store: s, Key: key, Token: token, TTL: ttl}, nil
}

// Reacquire extends the lease TTL. ErrLeaseLost means the holder must
// abort its work: continuing risks double processing.
func (l *Lease) Reacquire(ctx context.Context) error {
	if l.mem != nil {
		return l.mem.reacquire(l)
	}
	res, err := reacquireScript.Run(ctx, l.store.rdb, []string{l.Key}, l.Token, l.TTL.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res < 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *Lease) Release(ctx context.Context) error {
	if l.mem != nil {
		return l.mem.release(l)
	}
	_, err := releaseScript.Run(ctx, l.store.rdb, []string{l.Key}, l.Token).Result()
	return err
}
