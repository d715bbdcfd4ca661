package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrRegionRetired indicates a write to a region that was deleted.
	ErrRegionRetired = errors.New("cache region retired")
)

// refreshScript writes an entry unless its region is retired. KEYS: retired
// set, entry key, live set. ARGV: region ID, entry JSON.
var refreshScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

// scanBatch is the COUNT hint used when walking a region's keys.
const scanBatch = 500

// Manager handles regioned caching with a Redis backend.
type Manager struct {
	redis *redis.Client
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient *redis.Client) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{
		redis: redisClient,
	}
}

// Get retrieves the entry for id from region.
// Returns ErrCacheMiss if the region holds no entry for id.
func (m *Manager) Get(ctx context.Context, region Region, id Identity) (*Entry, error) {
	entry, err := m.get(ctx, region.ID(), id)
	if errors.Is(err, ErrCacheMiss) {
		CacheMisses.Inc()
	}
	return entry, err
}

func (m *Manager) get(ctx context.Context, regionID string, id Identity) (*Entry, error) {
	data, err := m.redis.Get(ctx, entryKey(regionID, id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	CacheHits.WithLabelValues(regionID).Inc()
	return &entry, nil
}

// Match looks id up in preferred first and then in every other live region
// in name order. Returns ErrCacheMiss when no region holds it.
func (m *Manager) Match(ctx context.Context, id Identity, preferred Region) (*Entry, error) {
	entry, err := m.get(ctx, preferred.ID(), id)
	if err == nil || !errors.Is(err, ErrCacheMiss) {
		return entry, err
	}

	regions, err := m.Regions(ctx)
	if err != nil {
		return nil, err
	}
	for _, regionID := range regions {
		if regionID == preferred.ID() {
			continue
		}
		entry, err := m.get(ctx, regionID, id)
		if errors.Is(err, ErrCacheMiss) {
			continue
		}
		return entry, err
	}

	CacheMisses.Inc()
	return nil, ErrCacheMiss
}

// Put stores entry in region, replacing any previous entry for the same
// identity, and records region as live. A retired region is revived.
func (m *Manager) Put(ctx context.Context, region Region, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	regionID := region.ID()
	entry.Region = regionID

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	_, err = m.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, entryKey(regionID, entry.Identity), data, 0)
		pipe.SAdd(ctx, redisKeyRegions, regionID)
		pipe.SRem(ctx, redisKeyRetired, regionID)
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheWrites.WithLabelValues(regionID).Inc()
	return nil
}

// Refresh stores entry in region like Put, but fails with ErrRegionRetired
// once the region has been deleted. Runtime writes use it so a response
// that finishes after an upgrade cannot bring the old region back.
func (m *Manager) Refresh(ctx context.Context, region Region, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	regionID := region.ID()
	entry.Region = regionID

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("refresh").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	keys := []string{redisKeyRetired, entryKey(regionID, entry.Identity), redisKeyRegions}
	stored, err := refreshScript.Run(ctx, m.redis, keys, regionID, data).Int()
	if err != nil {
		CacheErrors.WithLabelValues("refresh").Inc()
		return fmt.Errorf("redis refresh: %w", err)
	}
	if stored == 0 {
		return fmt.Errorf("%w: %s", ErrRegionRetired, regionID)
	}

	CacheWrites.WithLabelValues(regionID).Inc()
	return nil
}

// Delete removes the entry for id from region.
func (m *Manager) Delete(ctx context.Context, region Region, id Identity) error {
	if err := m.redis.Del(ctx, entryKey(region.ID(), id)).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Regions returns the IDs of all live regions, sorted.
func (m *Manager) Regions(ctx context.Context) ([]string, error) {
	ids, err := m.redis.SMembers(ctx, redisKeyRegions).Result()
	if err != nil {
		CacheErrors.WithLabelValues("regions").Inc()
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// RegisterRegion records region as live without storing anything in it.
func (m *Manager) RegisterRegion(ctx context.Context, region Region) error {
	_, err := m.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, redisKeyRegions, region.ID())
		pipe.SRem(ctx, redisKeyRetired, region.ID())
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("regions").Inc()
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

// Count returns the number of entries stored in region.
func (m *Manager) Count(ctx context.Context, region Region) (int, error) {
	keys, err := m.regionKeys(ctx, region.ID())
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// DeleteRegion retires the region with the given ID and drops its entries.
// The region leaves the live set before its keys are collected, so a
// concurrent Refresh cannot add keys that outlive it. The keys are deleted
// in a single transaction.
func (m *Manager) DeleteRegion(ctx context.Context, regionID string) error {
	_, err := m.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, redisKeyRegions, regionID)
		pipe.SAdd(ctx, redisKeyRetired, regionID)
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("delete_region").Inc()
		return fmt.Errorf("retire region %s: %w", regionID, err)
	}

	keys, err := m.regionKeys(ctx, regionID)
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := m.redis.Del(ctx, keys...).Err(); err != nil {
			CacheErrors.WithLabelValues("delete_region").Inc()
			return fmt.Errorf("delete region %s: %w", regionID, err)
		}
	}

	RegionsDeleted.Inc()
	return nil
}

// DeleteRegionsExcept deletes every live region whose ID is not one of
// keep and returns the deleted IDs.
func (m *Manager) DeleteRegionsExcept(ctx context.Context, keep ...Region) ([]string, error) {
	live, err := m.Regions(ctx)
	if err != nil {
		return nil, err
	}

	keepIDs := make(map[string]bool, len(keep))
	for _, r := range keep {
		keepIDs[r.ID()] = true
	}

	var deleted []string
	for _, regionID := range live {
		if keepIDs[regionID] {
			continue
		}
		if err := m.DeleteRegion(ctx, regionID); err != nil {
			return deleted, err
		}
		deleted = append(deleted, regionID)
	}
	return deleted, nil
}

func (m *Manager) regionKeys(ctx context.Context, regionID string) ([]string, error) {
	var keys []string
	iter := m.redis.Scan(ctx, 0, regionPattern(regionID), scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		CacheErrors.WithLabelValues("scan").Inc()
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}
