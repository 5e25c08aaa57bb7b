package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/facility-bookings/internal/domain"
)

type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func availabilityKey(key domain.UnitKey) string {
	return "avail:" + key.String()
}

type availabilityEntry struct {
	Total     int       `json:"total"`
	Held      int       `json:"held"`
	Confirmed int       `json:"confirmed"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Cache) GetAvailability(ctx context.Context, key domain.UnitKey) (domain.InventoryUnit, bool, error) {
	val, err := c.client.Get(ctx, availabilityKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.InventoryUnit{}, false, nil
	}
	if err != nil {
		return domain.InventoryUnit{}, false, err
	}
	var e availabilityEntry
	if err := json.Unmarshal(val, &e); err != nil {
		return domain.InventoryUnit{}, false, errors.Wrap(err, "decode cached availability")
	}
	return domain.InventoryUnit{Key: key, Total: e.Total, Held: e.Held, Confirmed: e.Confirmed, UpdatedAt: e.UpdatedAt}, true, nil
}

func (c *Cache) SetAvailability(ctx context.Context, u domain.InventoryUnit, ttl time.Duration) error {
	data, err := json.Marshal(availabilityEntry{Total: u.Total, Held: u.Held, Confirmed: u.Confirmed, UpdatedAt: u.UpdatedAt})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, availabilityKey(u.Key), data, ttl).Err()
}

func (c *Cache) InvalidateAvailability(ctx context.Context, key domain.UnitKey) error {
	return c.client.Del(ctx, availabilityKey(key)).Err()
}

// IncrWindow counts hits on key in a fixed window that starts with the first hit.
func (c *Cache) IncrWindow(ctx context.Context, key string, period time.Duration) (int64, error) {
	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, period)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
