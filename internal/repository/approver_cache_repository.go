package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-ops-return-workflows/internal/errors"
	"github.com/pesio-ai/be-ops-return-workflows/internal/logger"
)

// DefaultApproverCacheKey is the Redis key holding the serialized approver list.
const DefaultApproverCacheKey = "return-workflows:approvers"

type approverLoader interface {
	LoadApprovers(ctx context.Context) ([]Approver, error)
}

// CachedApproverSource is a read-through Redis cache in front of another
// approver source. Redis failures degrade to the underlying source.
type CachedApproverSource struct {
	client redis.Cmdable
	next   approverLoader
	key    string
	ttl    time.Duration
	log    *logger.Logger
}

// NewCachedApproverSource wraps next with a Redis cache entry that expires after ttl.
func NewCachedApproverSource(client redis.Cmdable, next approverLoader, ttl time.Duration, log *logger.Logger) *CachedApproverSource {
	return &CachedApproverSource{
		client: client,
		next:   next,
		key:    DefaultApproverCacheKey,
		ttl:    ttl,
		log:    log.With("approver_cache"),
	}
}

// LoadApprovers serves the cached list or loads and caches a fresh one.
func (c *CachedApproverSource) LoadApprovers(ctx context.Context) ([]Approver, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	switch {
	case err == nil:
		var approvers []Approver
		jsonErr := json.Unmarshal(data, &approvers)
		if jsonErr == nil {
			return approvers, nil
		}
		c.log.Warn().Err(jsonErr).Str("key", c.key).Msg("Discarding undecodable approver cache entry")
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn().Err(err).Str("key", c.key).Msg("Approver cache unavailable; loading from source")
	}

	approvers, err := c.next.LoadApprovers(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(approvers)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to encode approvers for cache")
	}
	if err := c.client.Set(ctx, c.key, payload, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", c.key).Msg("Failed to populate approver cache")
	}
	return approvers, nil
}

// Invalidate drops the cached list so the next load hits the source.
func (c *CachedApproverSource) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeUnavailable, "failed to invalidate approver cache")
	}
	return nil
}
