// Package cache — двухуровневый кэш определений дашбордов: L1 в памяти процесса,
// L2 в Redis, сброс через Pub/Sub между инстансами.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/telemetry-aggregator/internal/domain"
	"github.com/xela07ax/telemetry-aggregator/internal/infra"
	"github.com/xela07ax/telemetry-aggregator/internal/widget"
)

const invalidateAll = "*"

// RawSource — источник истины (postgres.DashboardRepo).
type RawSource interface {
	FetchRaw(ctx context.Context, id string) ([]byte, error)
}

// store — L2. Реализован поверх Redis, в тестах подменяется.
type store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, raw []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, channel, payload string) error
}

type l1Entry struct {
	def     *domain.DashboardDefinition
	expires time.Time
}

type DashboardCache struct {
	src    RawSource
	l2     store
	rdb    *redis.Client
	cfg    infra.CacheConfig
	clock  clock.Clock
	logger *zap.Logger

	mu sync.RWMutex
	l1 map[string]l1Entry
}

// New создает кэш. rdb == nil отключает L2: работает только память процесса.
func New(src RawSource, rdb *redis.Client, cfg infra.CacheConfig, clk clock.Clock, logger *zap.Logger) *DashboardCache {
	var l2 store
	if rdb != nil {
		l2 = redisStore{rdb: rdb}
	}
	return newCache(src, l2, rdb, cfg, clk, logger)
}

func newCache(src RawSource, l2 store, rdb *redis.Client, cfg infra.CacheConfig, clk clock.Clock, logger *zap.Logger) *DashboardCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.L1TTL <= 0 {
		cfg.L1TTL = 30 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DashboardCache{
		src:    src,
		l2:     l2,
		rdb:    rdb,
		cfg:    cfg,
		clock:  clk,
		logger: logger.With(zap.String("mod", "dashboard-cache")),
		l1:     make(map[string]l1Entry),
	}
}

// FetchDashboard реализует core.DashboardSource: L1 -> L2 -> источник.
// Отказ Redis не ломает запрос: логируем и идем в источник.
func (c *DashboardCache) FetchDashboard(ctx context.Context, id string) (*domain.DashboardDefinition, error) {
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.l1[id]
	c.mu.RUnlock()
	if ok && now.Before(e.expires) {
		return e.def, nil
	}

	if c.l2 != nil {
		raw, hit, err := c.l2.Get(ctx, infra.DashboardKey(id))
		if err != nil {
			c.logger.Warn("L2 read failed, falling back to source", zap.String("id", id), zap.Error(err))
		}
		if hit {
			def, err := widget.DecodeDashboard(id, raw)
			if err == nil {
				c.storeL1(id, def)
				return def, nil
			}
			// битая запись в Redis: перечитаем из источника и перезапишем
			c.logger.Warn("L2 entry is malformed", zap.String("id", id), zap.Error(err))
		}
	}

	raw, err := c.src.FetchRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := widget.DecodeDashboard(id, raw)
	if err != nil {
		return nil, err
	}
	if c.l2 != nil {
		if err := c.l2.Set(ctx, infra.DashboardKey(id), raw, c.cfg.TTL); err != nil {
			c.logger.Warn("L2 write failed", zap.String("id", id), zap.Error(err))
		}
	}
	c.storeL1(id, def)
	return def, nil
}

func (c *DashboardCache) storeL1(id string, def *domain.DashboardDefinition) {
	c.mu.Lock()
	c.l1[id] = l1Entry{def: def, expires: c.clock.Now().Add(c.cfg.L1TTL)}
	c.mu.Unlock()
}

// Invalidate сбрасывает запись во всех инстансах.
func (c *DashboardCache) Invalidate(ctx context.Context, id string) error {
	c.dropL1(id)
	if c.l2 == nil {
		return nil
	}
	if err := c.l2.Del(ctx, infra.DashboardKey(id)); err != nil {
		return err
	}
	return c.l2.Publish(ctx, infra.RedisChanDashboardInvalidate, id)
}

func (c *DashboardCache) dropL1(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == invalidateAll {
		c.l1 = make(map[string]l1Entry)
		return
	}
	delete(c.l1, id)
}

// Warmup прогревает L1 и, если удалось взять распределенную блокировку, L2.
func (c *DashboardCache) Warmup(ctx context.Context, ids []string) error {
	if c.rdb != nil {
		// Распределенная блокировка (SetNX), чтобы только один инстанс грел Redis
		ok, err := c.rdb.SetNX(ctx, infra.GetWarmupLockKey("dashboards"), "processing", 30*time.Second).Result()
		if err != nil || !ok {
			c.logger.Debug("warm-up of L2 skipped, another instance holds the lock")
			for _, id := range ids {
				if _, err := c.fetchToL1Only(ctx, id); err != nil {
					c.logger.Warn("warm-up failed", zap.String("id", id), zap.Error(err))
				}
			}
			return nil
		}
	}

	var errs []error
	for _, id := range ids {
		if _, err := c.FetchDashboard(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	c.logger.Info("dashboard cache warmed up", zap.Int("count", len(ids)-len(errs)))
	return errors.Join(errs...)
}

func (c *DashboardCache) fetchToL1Only(ctx context.Context, id string) (*domain.DashboardDefinition, error) {
	raw, err := c.src.FetchRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := widget.DecodeDashboard(id, raw)
	if err != nil {
		return nil, err
	}
	c.storeL1(id, def)
	return def, nil
}

// Listen — "живучая" подписка на сброс кэша. Блокирует до отмены ctx.
func (c *DashboardCache) Listen(ctx context.Context) {
	if c.rdb == nil {
		return
	}
	for {
		pubsub := c.rdb.Subscribe(ctx, infra.RedisChanDashboardInvalidate)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to subscribe", zap.String("chan", infra.RedisChanDashboardInvalidate), zap.Error(err))
			c.sleep(ctx, 5*time.Second)
			continue
		}

		// Пока подписки не было, сбросы могли потеряться: чистим L1 целиком
		c.dropL1(invalidateAll)

		ch := pubsub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				c.dropL1(msg.Payload)
			}
		}

		pubsub.Close()
		c.sleep(ctx, time.Second)
	}
}

func (c *DashboardCache) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-c.clock.After(d):
	}
}

type redisStore struct {
	rdb *redis.Client
}

func (s redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (s redisStore) Set(ctx context.Context, key string, raw []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, raw, ttl).Err()
}

func (s redisStore) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

func (s redisStore) Publish(ctx context.Context, channel, payload string) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}
