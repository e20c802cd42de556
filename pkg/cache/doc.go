// Package cache provides the response cache and cache-aside helpers.
//
// The response cache stores whole HTTP responses in a shared store:
//
//   - deterministic keys from method, path, query and selected request
//     headers (Key, KeyFromRequest)
//   - ETag and Last-Modified validators with 304 support (NotModified)
//   - tag sets and glob patterns for invalidation after mutations
//   - a size ceiling above which responses are not stored
//
// # Basic Usage
//
//	mgr := cache.NewManager(s, cache.Config{DefaultTTL: 5 * time.Minute})
//
//	key := cache.KeyFromRequest(r, []string{"Accept-Language"})
//	entry, err := mgr.Get(ctx, key.String())
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// run the handler, then:
//		entry = cache.NewResponse(key.String(), status, header, body, ttl, now)
//		err = mgr.Set(ctx, entry)
//	}
//
// # Cache-aside
//
// Aware wraps arbitrary values instead of HTTP responses:
//
//	offers, err := cache.GetOrFetch(ctx, aware, "offers:"+userID, time.Minute,
//		func(ctx context.Context) ([]Offer, error) {
//			return repo.Offers(ctx, userID)
//		})
//
// InvalidateAfter runs a mutation and evicts keys only if it succeeded.
// CacheResult computes and stores unconditionally, skipping nil results.
//
// # Failure policy
//
// Store failures are reported as errors wrapping store.ErrUnavailable. The
// HTTP middleware and Aware treat them as misses and serve from the live
// source; a cache outage never fails a request.
package cache
