// Package storetest runs a shared set of behavioural checks against any
// store.Coordinator implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ryhazerus/permit/store"
)

// Factory builds a fresh, empty coordinator for one test. advance moves the
// coordinator's notion of time forward by d.
type Factory func(t *testing.T) (c store.Coordinator, advance func(d time.Duration))

// Run exercises every contract check against coordinators built by f.
func Run(t *testing.T, f Factory) {
	t.Run("BucketQuota", func(t *testing.T) { testBucketQuota(t, f) })
	t.Run("BucketExpiry", func(t *testing.T) { testBucketExpiry(t, f) })
	t.Run("BucketWindowsSwept", func(t *testing.T) { testBucketWindowsSwept(t, f) })
	t.Run("BucketConcurrent", func(t *testing.T) { testBucketConcurrent(t, f) })
	t.Run("SemaphoreAbsent", func(t *testing.T) { testSemaphoreAbsent(t, f) })
	t.Run("SemaphoreDrain", func(t *testing.T) { testSemaphoreDrain(t, f) })
	t.Run("SemaphoreConcurrent", func(t *testing.T) { testSemaphoreConcurrent(t, f) })
	t.Run("ReleaseBounded", func(t *testing.T) { testReleaseBounded(t, f) })
	t.Run("IncrByKeepsExpiry", func(t *testing.T) { testIncrByKeepsExpiry(t, f) })
	t.Run("GetDelete", func(t *testing.T) { testGetDelete(t, f) })
	t.Run("UnknownScript", func(t *testing.T) { testUnknownScript(t, f) })
	t.Run("MissingArgument", func(t *testing.T) { testMissingArgument(t, f) })
}

func exec(t *testing.T, c store.Coordinator, key string, s store.Script, args ...string) int64 {
	t.Helper()
	got, err := c.ExecuteAtomic(context.Background(), key, s, args...)
	if err != nil {
		t.Fatalf("%s(%s): %v", s, key, err)
	}
	return got
}

func testBucketQuota(t *testing.T, f Factory) {
	c, _ := f(t)
	for i := 1; i <= 3; i++ {
		if got := exec(t, c, "bucket:quota", store.BucketCheck, "3"); got != 1 {
			t.Fatalf("check %d: got %d, want 1", i, got)
		}
	}
	if got := exec(t, c, "bucket:quota", store.BucketCheck, "3"); got != 0 {
		t.Errorf("check over quota: got %d, want 0", got)
	}

	// A denied check must not move the counter.
	n, err := c.Get(context.Background(), "bucket:quota")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("counter = %d, want 3", n)
	}
}

func testBucketExpiry(t *testing.T, f Factory) {
	c, advance := f(t)
	exec(t, c, "bucket:expiry", store.BucketCheck, "1")
	if got := exec(t, c, "bucket:expiry", store.BucketCheck, "1"); got != 0 {
		t.Fatalf("second check: got %d, want 0", got)
	}

	advance(store.BucketTTL + 100*time.Millisecond)

	n, err := c.Get(context.Background(), "bucket:expiry")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("after expiry: counter = %d, want 0", n)
	}
	if got := exec(t, c, "bucket:expiry", store.BucketCheck, "1"); got != 1 {
		t.Errorf("after expiry: got %d, want 1", got)
	}
}

// testBucketWindowsSwept walks many one-second windows, each with its own
// key, and checks that expired window counters do not pile up. Stores that
// do not implement store.Sizer expire keys themselves and are skipped.
func testBucketWindowsSwept(t *testing.T, f Factory) {
	c, advance := f(t)
	sizer, ok := c.(store.Sizer)
	if !ok {
		t.Skip("store does not report its size")
	}
	ctx := context.Background()

	const windows = 1000
	for i := 0; i < windows; i++ {
		exec(t, c, fmt.Sprintf("bucket:walk:%d", i), store.BucketCheck, "1")
		advance(time.Second)

		n, err := sizer.Len(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n > 3 {
			t.Fatalf("after %d windows: %d keys held, want at most 3", i+1, n)
		}
	}

	advance(time.Hour)
	exec(t, c, "bucket:walk:last", store.BucketCheck, "1")

	n, err := sizer.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("after an idle hour: %d keys held, want 1", n)
	}
}

// fire runs callers concurrent ExecuteAtomic calls and returns how many
// returned 1.
func fire(t *testing.T, c store.Coordinator, callers int, key string, s store.Script, args ...string) int64 {
	t.Helper()
	var (
		wg      sync.WaitGroup
		granted atomic.Int64
		failed  atomic.Int64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.ExecuteAtomic(context.Background(), key, s, args...)
			if err != nil {
				failed.Add(1)
				return
			}
			granted.Add(got)
		}()
	}
	wg.Wait()
	if n := failed.Load(); n > 0 {
		t.Fatalf("%d of %d calls failed", n, callers)
	}
	return granted.Load()
}

func testBucketConcurrent(t *testing.T, f Factory) {
	c, _ := f(t)
	if got := fire(t, c, 200, "bucket:concurrent", store.BucketCheck, "10"); got != 10 {
		t.Errorf("granted = %d, want 10", got)
	}
}

func testSemaphoreAbsent(t *testing.T, f Factory) {
	c, _ := f(t)
	if got := exec(t, c, "sem:absent", store.SemaphoreCheck); got != 0 {
		t.Errorf("absent key: got %d, want 0", got)
	}
}

func testSemaphoreDrain(t *testing.T, f Factory) {
	c, _ := f(t)
	ctx := context.Background()
	if _, err := c.IncrBy(ctx, "sem:drain", 3); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		if got := exec(t, c, "sem:drain", store.SemaphoreCheck); got != 1 {
			t.Fatalf("acquire %d: got %d, want 1", i, got)
		}
	}
	if got := exec(t, c, "sem:drain", store.SemaphoreCheck); got != 0 {
		t.Errorf("acquire on empty: got %d, want 0", got)
	}
	n, err := c.Get(ctx, "sem:drain")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("counter = %d, want 0", n)
	}
}

func testSemaphoreConcurrent(t *testing.T, f Factory) {
	c, _ := f(t)
	if _, err := c.IncrBy(context.Background(), "sem:concurrent", 100); err != nil {
		t.Fatal(err)
	}
	if got := fire(t, c, 200, "sem:concurrent", store.SemaphoreCheck); got != 100 {
		t.Errorf("granted = %d, want 100", got)
	}
}

func testReleaseBounded(t *testing.T, f Factory) {
	c, _ := f(t)
	ctx := context.Background()
	if _, err := c.IncrBy(ctx, "sem:bounded", 1); err != nil {
		t.Fatal(err)
	}
	if got := exec(t, c, "sem:bounded", store.SemaphoreReleaseBounded, "2"); got != 1 {
		t.Fatalf("release below limit: got %d, want 1", got)
	}
	if got := exec(t, c, "sem:bounded", store.SemaphoreReleaseBounded, "2"); got != 0 {
		t.Errorf("release at limit: got %d, want 0", got)
	}
	n, err := c.Get(ctx, "sem:bounded")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("counter = %d, want 2", n)
	}
}

func testIncrByKeepsExpiry(t *testing.T, f Factory) {
	c, advance := f(t)
	ctx := context.Background()
	exec(t, c, "bucket:incr", store.BucketCheck, "5")
	n, err := c.IncrBy(ctx, "bucket:incr", 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("IncrBy = %d, want 3", n)
	}

	advance(store.BucketTTL + 100*time.Millisecond)

	n, err = c.Get(ctx, "bucket:incr")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("after expiry: counter = %d, want 0", n)
	}
}

func testGetDelete(t *testing.T, f Factory) {
	c, _ := f(t)
	ctx := context.Background()

	n, err := c.Get(ctx, "plain")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("initial get: got %d, want 0", n)
	}

	if _, err := c.IncrBy(ctx, "plain", 7); err != nil {
		t.Fatal(err)
	}
	if n, _ = c.Get(ctx, "plain"); n != 7 {
		t.Errorf("after IncrBy: got %d, want 7", n)
	}

	if err := c.Delete(ctx, "plain"); err != nil {
		t.Fatal(err)
	}
	if n, _ = c.Get(ctx, "plain"); n != 0 {
		t.Errorf("after delete: got %d, want 0", n)
	}
	if err := c.Delete(ctx, "plain"); err != nil {
		t.Errorf("deleting absent key: %v", err)
	}
}

func testUnknownScript(t *testing.T, f Factory) {
	c, _ := f(t)
	_, err := c.ExecuteAtomic(context.Background(), "k", store.Script(99))
	if !errors.Is(err, store.ErrUnknownScript) {
		t.Errorf("err = %v, want ErrUnknownScript", err)
	}
}

func testMissingArgument(t *testing.T, f Factory) {
	c, _ := f(t)
	if _, err := c.ExecuteAtomic(context.Background(), "k", store.BucketCheck); err == nil {
		t.Error("BucketCheck without quota: expected error")
	}
	if _, err := c.ExecuteAtomic(context.Background(), "k", store.BucketCheck, "ten"); err == nil {
		t.Error("BucketCheck with non-integer quota: expected error")
	}
	if _, err := c.ExecuteAtomic(context.Background(), "k", store.SemaphoreReleaseBounded); err == nil {
		t.Error("SemaphoreReleaseBounded without limit: expected error")
	}
}

// ManualClock is a settable time source for stores that accept
// store.WithClock.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a clock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
