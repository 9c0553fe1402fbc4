package redis

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/NicoHurtado/p2c/internal/logger"
	"github.com/NicoHurtado/p2c/internal/types"
	"github.com/NicoHurtado/p2c/internal/utils"
)

// CacheService is the optional key-value gateway: response caching, module
// progress markers and per-user rate counters. When Redis is unreachable
// every operation degrades to a miss/no-op so the pipeline never depends on
// the cache being up.
type CacheService interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	Delete(ctx context.Context, key string)

	SetModuleProgress(ctx context.Context, courseID, moduleID string, marker types.ProgressMarker)
	GetModuleProgress(ctx context.Context, courseID, moduleID string) (*types.ProgressMarker, bool)

	// CheckRateLimit increments the counter for (userID, action) and reports
	// whether the caller is still within limit for the window. Without a
	// reachable cache it always allows.
	CheckRateLimit(ctx context.Context, userID, action string, limit int, window time.Duration) bool

	Connected() bool
	Ping(ctx context.Context) error
	Close() error
}

type cacheService struct {
	log *logger.Logger
	rdb *goredis.Client
}

const progressMarkerTTL = 5 * time.Minute

// NewCacheService never fails: a missing or unreachable Redis yields a
// pass-through cache, matching the rest of the system's best-effort stance.
func NewCacheService(log *logger.Logger) CacheService {
	serviceLog := log.With("service", "CacheService")

	addr := strings.TrimSpace(utils.GetEnv("REDIS_ADDR", "", log))
	if addr == "" {
		serviceLog.Warn("REDIS_ADDR not set, running without cache")
		return &cacheService{log: serviceLog}
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    utils.GetEnv("REDIS_PASSWORD", "", nil),
		DialTimeout: 5 * time.Second,
		ReadTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		serviceLog.Warn("Redis unreachable, running without cache", "error", err)
		_ = rdb.Close()
		return &cacheService{log: serviceLog}
	}

	serviceLog.Info("Connected to Redis", "addr", addr)
	return &cacheService{log: serviceLog, rdb: rdb}
}

// Key builds a stable cache key from a prefix and its parts.
func Key(prefix string, parts ...string) string {
	sum := md5.Sum([]byte(prefix + ":" + strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

// MetadataFingerprint identifies one (prompt, level, interests) request for
// idempotent metadata reuse. Interests are order-insensitive.
func MetadataFingerprint(prompt string, level types.CourseLevel, interests []string) string {
	sorted := append([]string(nil), interests...)
	sort.Strings(sorted)
	promptSum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(prompt))))
	return Key("ai_response", hex.EncodeToString(promptSum[:]), string(level), strings.Join(sorted, ","))
}

func CourseKey(courseID string) string {
	return Key("course", courseID)
}

func progressKey(courseID, moduleID string) string {
	return Key("module_progress", courseID, moduleID)
}

func (c *cacheService) Connected() bool { return c.rdb != nil }

func (c *cacheService) Ping(ctx context.Context) error {
	if c.rdb == nil {
		return fmt.Errorf("cache not connected")
	}
	return c.rdb.Ping(ctx).Err()
}

func (c *cacheService) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func (c *cacheService) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != goredis.Nil {
			c.log.Warn("Cache get failed", "error", err)
		}
		return nil, false
	}
	return raw, true
}

func (c *cacheService) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.log.Warn("Cache set marshal failed", "error", err)
		return
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.log.Warn("Cache set failed", "error", err)
	}
}

func (c *cacheService) Delete(ctx context.Context, key string) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.log.Warn("Cache delete failed", "error", err)
	}
}

func (c *cacheService) SetModuleProgress(ctx context.Context, courseID, moduleID string, marker types.ProgressMarker) {
	marker.UpdatedAt = time.Now()
	c.Set(ctx, progressKey(courseID, moduleID), marker, progressMarkerTTL)
}

func (c *cacheService) GetModuleProgress(ctx context.Context, courseID, moduleID string) (*types.ProgressMarker, bool) {
	raw, ok := c.Get(ctx, progressKey(courseID, moduleID))
	if !ok {
		return nil, false
	}
	var marker types.ProgressMarker
	if err := json.Unmarshal(raw, &marker); err != nil {
		c.log.Warn("Progress marker decode failed", "error", err)
		return nil, false
	}
	return &marker, true
}

func (c *cacheService) CheckRateLimit(ctx context.Context, userID, action string, limit int, window time.Duration) bool {
	if c.rdb == nil {
		return true
	}
	key := Key("rate_limit", userID, action)
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		c.log.Warn("Rate counter incr failed", "error", err)
		return true
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, key, window).Err(); err != nil {
			c.log.Warn("Rate counter expire failed", "error", err)
		}
	}
	return n <= int64(limit)
}
