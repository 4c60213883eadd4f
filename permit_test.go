package permit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/ryhazerus/permit/store"
	permitredis "github.com/ryhazerus/permit/store/redis"
)

var testEpoch = time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

// fakeCoordinator lets tests script the coordinator's answers.
type fakeCoordinator struct {
	execute func(ctx context.Context, key string, s store.Script, args ...string) (int64, error)
	incrBy  func(ctx context.Context, key string, by int64) (int64, error)
}

func (f *fakeCoordinator) ExecuteAtomic(ctx context.Context, key string, s store.Script, args ...string) (int64, error) {
	return f.execute(ctx, key, s, args...)
}

func (f *fakeCoordinator) IncrBy(ctx context.Context, key string, by int64) (int64, error) {
	if f.incrBy == nil {
		return by, nil
	}
	return f.incrBy(ctx, key, by)
}

func (f *fakeCoordinator) Get(context.Context, string) (int64, error) { return 0, nil }
func (f *fakeCoordinator) Delete(context.Context, string) error       { return nil }
func (f *fakeCoordinator) Close() error                               { return nil }

func newTestRedisCoordinator(t *testing.T) (*permitredis.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return permitredis.NewRedisStore(client), mr
}

func newTestSQLiteCoordinator(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// coordinators returns one coordinator per backend, keyed by name.
func coordinators(t *testing.T) map[string]store.Coordinator {
	t.Helper()
	rs, _ := newTestRedisCoordinator(t)
	return map[string]store.Coordinator{
		"memory": store.NewMemoryStore(),
		"sqlite": newTestSQLiteCoordinator(t),
		"redis":  rs,
	}
}

// race runs callers concurrent TryAcquire calls and returns how many were
// granted.
func race(a Acquirer, callers int) int {
	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if a.TryAcquire(context.Background()) {
				granted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	return int(granted.Load())
}

// errRecorder collects errors handed to WithOnError.
type errRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errRecorder) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *errRecorder) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}
