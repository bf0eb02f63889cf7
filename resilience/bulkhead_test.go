package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kestrelhttp/kestrel/internal/kerrors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBulkheadBoundsConcurrency(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{Enabled: true, MaxParallelRequests: 2, MaxQueuedRequests: 10})

	var active int32
	var maxObserved int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, b.Acquire(context.Background()))
			defer b.Release()

			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxObserved)
				if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, maxObserved, int32(2))
}

func TestBulkheadRejectsWhenQueueFull(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{Enabled: true, MaxParallelRequests: 1, MaxQueuedRequests: 1})

	release := make(chan struct{})
	require.NoError(t, b.Acquire(context.Background()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, b.Acquire(context.Background()))
		<-release
		b.Release()
	}()
	time.Sleep(10 * time.Millisecond) // let the second goroutine queue

	err := b.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, kerrors.IsKind(err, kerrors.KindBulkheadRejected))

	close(release)
	b.Release()
	wg.Wait()
}

func TestBulkheadDequeuesPromptlyOnCancellation(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{Enabled: true, MaxParallelRequests: 1, MaxQueuedRequests: 1})
	require.NoError(t, b.Acquire(context.Background()))
	defer b.Release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Acquire(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, kerrors.IsKind(err, kerrors.KindAborted))
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unwind after cancellation")
	}
}

func TestBulkheadDisabledNeverRejects(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{Enabled: false})
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Acquire(context.Background()))
	}
}
