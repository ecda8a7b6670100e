package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	defaultBaseTTL = 24 * time.Hour
	maxTxRetries   = 10
)

// RedisStore keeps carts as JSON under cart:<session>. Updates use
// WATCH/MULTI so concurrent writers to one cart never lose a line.
type RedisStore struct {
	client  *redis.Client
	baseTTL time.Duration
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:  client,
		baseTTL: defaultBaseTTL,
	}
}

func (r *RedisStore) Get(ctx context.Context, sessionID string) (*domain.Cart, error) {
	return r.load(ctx, r.client, sessionID)
}

func (r *RedisStore) Update(ctx context.Context, sessionID string, fn MutateFunc) (*domain.Cart, error) {
	key := cartKey(sessionID)
	var result *domain.Cart

	txf := func(tx *redis.Tx) error {
		c, err := r.load(ctx, tx, sessionID)
		if errors.Is(err, ErrCartNotFound) {
			c = domain.NewCart(sessionID)
		} else if err != nil {
			return err
		}

		if err := fn(c); err != nil {
			return err
		}

		data, err := json.Marshal(c)
		if err != nil {
			return errors.Wrap(err, "marshal cart")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl())
			return nil
		})
		if err != nil {
			return err
		}
		result = c
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, errors.Wrapf(ErrConflict, "update cart %s", sessionID)
}

func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, cartKey(sessionID)).Err(); err != nil {
		return errors.Wrap(err, "redis delete failed")
	}
	return nil
}

func (r *RedisStore) load(ctx context.Context, c getter, sessionID string) (*domain.Cart, error) {
	data, err := c.Get(ctx, cartKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCartNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get failed")
	}

	var cart domain.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, errors.Wrap(err, "unmarshal cart failed")
	}
	return &cart, nil
}

// ttl spreads expirations so carts created together do not expire together.
func (r *RedisStore) ttl() time.Duration {
	jitter := time.Duration(rand.Intn(60)) * time.Minute
	return r.baseTTL + jitter
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func cartKey(sessionID string) string {
	return fmt.Sprintf("cart:%s", sessionID)
}
