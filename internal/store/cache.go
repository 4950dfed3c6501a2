package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	core "github.com/mohammad-safakhou/prosearch/internal/agent/core"
)

const statusTTL = 24 * time.Hour

// StatusCache keeps run status snapshots in Redis so status polling does
// not hit Postgres or the orchestrator's in-memory map across replicas.
type StatusCache struct {
	rdb *redis.Client
}

func NewStatusCache(rdb *redis.Client) *StatusCache {
	return &StatusCache{rdb: rdb}
}

func statusKey(runID string) string { return "run:status:" + runID }

func (c *StatusCache) Put(ctx context.Context, status core.RunStatus) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal run status: %w", err)
	}
	return c.rdb.Set(ctx, statusKey(status.RunID), payload, statusTTL).Err()
}

// Get returns the cached status, reporting found=false on a cache miss.
func (c *StatusCache) Get(ctx context.Context, runID string) (core.RunStatus, bool, error) {
	if c == nil || c.rdb == nil {
		return core.RunStatus{}, false, nil
	}
	payload, err := c.rdb.Get(ctx, statusKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.RunStatus{}, false, nil
	}
	if err != nil {
		return core.RunStatus{}, false, err
	}
	var status core.RunStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return core.RunStatus{}, false, fmt.Errorf("decode run status: %w", err)
	}
	return status, true, nil
}
