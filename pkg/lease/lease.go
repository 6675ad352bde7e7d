package lease

import (
	"context"
	"os"
	"time"

	"agent-provisioner/pkg/config"
	"agent-provisioner/pkg/rediskey"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lease", fx.Provide(New))

// acquire takes the key when free and extends it when already owned.
var acquire = redis.NewScript(`
local owner = redis.call("GET", KEYS[1])
if owner == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
if owner then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

var renew = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease makes one dispatcher at a time own the queue when several processes
// share a database. A nil *Lease always holds.
type Lease struct {
	rdb   redis.Scripter
	key   string
	owner string
	ttl   time.Duration
}

type Params struct {
	fx.In
	Config *config.Config
	Redis  *redis.Client `optional:"true"`
}

func New(p Params) *Lease {
	if p.Redis == nil {
		return nil
	}
	return NewLease(p.Redis, p.Config.Redis.LeaseKey, p.Config.Redis.LeaseTTL)
}

func NewLease(rdb redis.Scripter, key string, ttl time.Duration) *Lease {
	if key == "" {
		key = rediskey.BuildLeaseKey("dispatcher")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	host, _ := os.Hostname()
	return &Lease{
		rdb:   rdb,
		key:   key,
		owner: host + "/" + uuid.NewString(),
		ttl:   ttl,
	}
}

// TTL is how long a held lease survives without renewal.
func (l *Lease) TTL() time.Duration {
	if l == nil {
		return 0
	}
	return l.ttl
}

func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	if l == nil {
		return true, nil
	}
	return l.eval(ctx, acquire)
}

// Renew extends a held lease. It reports false when another owner took over.
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	if l == nil {
		return true, nil
	}
	return l.eval(ctx, renew)
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	_, err := l.eval(ctx, release)
	return err
}

// KeepAlive renews the lease every third of its TTL until the returned stop
// func is called.
func (l *Lease) KeepAlive(ctx context.Context) (stop func()) {
	if l == nil {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := l.Renew(ctx)
				if err != nil {
					zap.L().Warn("[Lease] renew failed", zap.String("key", l.key), zap.Error(err))
					continue
				}
				if !ok {
					zap.L().Warn("[Lease] lease lost", zap.String("key", l.key))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (l *Lease) eval(ctx context.Context, s *redis.Script) (bool, error) {
	n, err := s.Run(ctx, l.rdb, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
