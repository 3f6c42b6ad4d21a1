package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok, "second lock on same key must fail")

	releaseOther, ok, err := l.TryLock(ctx, "p2")
	require.NoError(t, err)
	assert.True(t, ok, "other keys are independent")
	releaseOther()

	release()
	release() // idempotent

	release, ok, err = l.TryLock(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	release()
}

func TestMemoryLocker_Concurrent(t *testing.T) {
	l := NewMemoryLocker()
	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := l.TryLock(context.Background(), "p1"); ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}

func TestRedisLocker_Key(t *testing.T) {
	r := NewRedisLocker(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), time.Minute)
	assert.Equal(t, "kiln:lock:p1", r.Key("p1"))
}

func TestRedisLocker_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	r := NewRedisLocker(client, time.Minute)
	_, ok, err := r.TryLock(context.Background(), "p1")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestKeepAlive_RenewsUntilStopped(t *testing.T) {
	var renewals int32
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(stop, 5*time.Millisecond, func() (bool, error) {
			atomic.AddInt32(&renewals, 1)
			return true, nil
		})
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&renewals) >= 3 }, time.Second, time.Millisecond)
	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepAlive did not stop")
	}
}

func TestKeepAlive_StopsWhenLockIsLost(t *testing.T) {
	var renewals int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(make(chan struct{}), time.Millisecond, func() (bool, error) {
			switch atomic.AddInt32(&renewals, 1) {
			case 1:
				return false, errors.New("connection reset")
			case 2:
				return true, nil
			}
			return false, nil
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepAlive kept renewing a lost lock")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&renewals))
}

func TestKeepAlive_NoInterval(t *testing.T) {
	keepAlive(make(chan struct{}), 0, func() (bool, error) {
		t.Fatal("renew must not be called")
		return false, nil
	})
}
