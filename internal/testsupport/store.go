package testsupport

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lectern/transcriber/internal/store"
)

// NewRedisStore returns a RedisStore backed by an in-process miniredis that
// is torn down with the test.
func NewRedisStore(t testing.TB) *store.RedisStore {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
	})
	return store.NewRedisStore(rdb)
}

// WaitFor polls cond until it holds or fails the test after timeout
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
