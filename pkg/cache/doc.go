// Package cache provides the regioned response cache backed by Redis.
//
// Responses are stored per Region. A region is a named namespace with a
// version tag; exactly one version of each region is live at a time and
// stale versions are deleted when a new version activates.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient)
//
//	critical := cache.Region{Name: "emergency-cache", Version: "v1"}
//	id := cache.NewIdentity(req)
//
//	entry, err := manager.Get(ctx, critical, id)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from network
//	}
//
// # Storing Responses
//
//	entry, err := cache.ResponseToEntry(resp, id, critical)
//	if err != nil {
//		return err
//	}
//	if err := manager.Put(ctx, critical, entry); err != nil {
//		return err
//	}
//
// # Lookup Across Regions
//
// Match checks a preferred region first and then every other live region,
// so a page precached into one region can serve as a fallback for any class.
//
// # Version Rollover
//
//	deleted, err := manager.DeleteRegionsExcept(ctx, standardV2, criticalV2)
//
// # Metrics
//
//   - safety_cache_hits_total{region} - Cache hits
//   - safety_cache_misses_total - Cache misses
//   - safety_cache_writes_total{region} - Entries written
//   - safety_cache_regions_deleted_total - Regions deleted on rollover
//   - safety_cache_errors_total{operation} - Cache operation errors
package cache
