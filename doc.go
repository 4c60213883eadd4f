// Package permit provides two distributed admission-control primitives that
// let independent processes share one permit budget without talking to each
// other:
//
//   - [Bucket] is a fixed-window rate limiter: at most N grants per whole
//     second across every caller.
//   - [Semaphore] is a counting semaphore: at most N permits held at once
//     across every caller, returned with Release.
//
// Both keep no state of their own. Every decision is one atomic script run
// by a shared [store.Coordinator], which is the single point where competing
// callers are serialised. A Redis coordinator is in store/redis; in-memory
// and SQLite coordinators are in store.
//
// # Failure policy
//
// Both primitives fail closed. When the coordinator cannot be reached,
// TryAcquire returns false and Release does nothing; the fault is logged,
// counted, and handed to the [WithOnError] callback, but never returned.
//
// # Quick Start
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	coord := permitredis.NewRedisStore(client)
//
//	bucket, _ := permit.NewBucket(coord, 10)
//	if bucket.TryAcquire(ctx) {
//		// at most 10 of these per second, fleet-wide
//	}
//
//	sem, _ := permit.NewSemaphore(ctx, coord, 100)
//	if sem.TryAcquire(ctx) {
//		defer sem.Release(ctx)
//		// at most 100 of these at once, fleet-wide
//	}
//
// Keys default to "rateLimit:bucket:<unix seconds>" and "rateLimit:semaphore"
// so that existing deployments using those names interoperate.
package permit
