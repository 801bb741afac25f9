package lock

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/R3E-Network/dws/internal/errors"
	"github.com/R3E-Network/dws/internal/logging"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the key only when it still carries our token, so an
// expired holder never frees a lock that was since taken by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DefaultRedisTTL outlives a 30s operation plus its rollback.
const DefaultRedisTTL = time.Minute

// RedisOptions configures a RedisLocker.
type RedisOptions struct {
	Prefix string
	TTL    time.Duration
	Wait   time.Duration
	Retry  time.Duration
}

// RedisLocker is a Locker shared by several control-plane replicas. Keys are
// taken with SET NX PX and a random token.
type RedisLocker struct {
	client redis.UniversalClient
	opts   RedisOptions
	log    *logging.Logger
}

var _ Locker = (*RedisLocker)(nil)

// NewRedis creates a RedisLocker.
func NewRedis(client redis.UniversalClient, opts RedisOptions, log *logging.Logger) *RedisLocker {
	if opts.Prefix == "" {
		opts.Prefix = "dws:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultRedisTTL
	}
	if opts.Retry <= 0 {
		opts.Retry = 50 * time.Millisecond
	}
	if log == nil {
		log = logging.NewDefault("lock")
	}
	return &RedisLocker{client: client, opts: opts, log: log}
}

// Acquire takes key, polling until the wait budget or the context runs out.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	redisKey := l.opts.Prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(l.opts.Wait)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.opts.TTL).Result()
		if err != nil {
			return nil, apperrors.OperationInProgress(key, err)
		}
		if ok {
			return l.releaser(redisKey, token), nil
		}
		if !time.Now().Before(deadline) {
			return nil, apperrors.OperationInProgress(key, nil)
		}
		select {
		case <-time.After(l.opts.Retry):
		case <-ctx.Done():
			return nil, apperrors.OperationInProgress(key, ctx.Err())
		}
	}
}

func (l *RedisLocker) releaser(redisKey, token string) Release {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(redisKey, token) })
	}
}

func (l *RedisLocker) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil && err != redis.Nil {
		l.log.WithError(err).WithField("key", redisKey).Warn("release lock")
	}
}
