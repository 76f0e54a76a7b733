package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claimer hands out short-lived exclusive claims so scheduler runs on different
// processes never dispatch the same reminder concurrently.
type Claimer struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	owner  string
}

// releaseScript deletes the key only while it still belongs to this owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewClaimer(rdb *redis.Client, ttl time.Duration, prefix string) (*Claimer, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "appointly:reminder"
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return &Claimer{rdb: rdb, ttl: ttl, prefix: prefix, owner: hex.EncodeToString(b)}, nil
}

func (c *Claimer) Claim(ctx context.Context, key string) (bool, error) {
	return c.rdb.SetNX(ctx, c.prefix+":"+key, c.owner, c.ttl).Result()
}

func (c *Claimer) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, c.rdb, []string{c.prefix + ":" + key}, c.owner).Err()
}

// Open parses a redis:// URL and verifies the server answers.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
