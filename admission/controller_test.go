package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moyoez/vaultdrop/tool"
	"github.com/moyoez/vaultdrop/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMemory struct {
	mu sync.Mutex
	mb float64
}

func (f *fakeMemory) UsageMB() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mb
}

func (f *fakeMemory) set(v float64) {
	f.mu.Lock()
	f.mb = v
	f.mu.Unlock()
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestController(t *testing.T, cfg Config, opts ...Option) (*Controller, *fakeMemory) {
	t.Helper()
	mem := &fakeMemory{mb: 100}
	opts = append([]Option{WithLogger(tool.NewDiscardLogger()), WithProbe(mem)}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	c.freeOSMemory = func() {}
	t.Cleanup(c.Close)
	return c, mem
}

func testConfig(maxConcurrent, queueSize int) Config {
	return Config{MaxConcurrent: maxConcurrent, MemoryThresholdMB: 1024, MaxQueueSize: queueSize, MinFileSizeGB: 3}
}

func sizeGB(gb float64) *int64 {
	v := int64(gb * (1 << 30))
	return &v
}

func request(id string, size *int64) types.DownloadRequest {
	return types.DownloadRequest{DownloadID: id, FileName: id + ".bin", FileSize: size, ObjectName: "objects/" + id}
}

func waitAsync(t *Ticket) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- t.Wait(context.Background()) }()
	return ch
}

func TestLargeDownloadQueuedUntilSlotFrees(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t, testConfig(2, 10))

	for _, id := range []string{"a", "b"} {
		tk, err := c.RequestSlot(request(id, sizeGB(5)))
		require.NoError(t, err)
		assert.False(t, tk.Queued())
		require.NoError(t, c.StartDownload(id))
	}
	assert.Equal(t, 2, c.ActiveCount())

	tk, err := c.RequestSlot(request("c", sizeGB(5)))
	require.NoError(t, err)
	require.True(t, tk.Queued())
	assert.Equal(t, 1, tk.Position())
	done := waitAsync(tk)

	select {
	case <-done:
		t.Fatal("queued download admitted while slots are full")
	case <-time.After(20 * time.Millisecond):
	}

	c.EndDownload("a")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued download not admitted after a slot freed")
	}
	assert.Equal(t, 0, tk.Position())
	assert.Equal(t, 2, c.ActiveCount())
	assert.Equal(t, 0, c.QueueLength())
	require.NoError(t, c.StartDownload("c"))
}

func TestSmallDownloadsBypassAdmission(t *testing.T) {
	t.Parallel()
	c, mem := newTestController(t, testConfig(1, 5))
	_, err := c.RequestSlot(request("big", sizeGB(4)))
	require.NoError(t, err)
	mem.set(4096)

	tk, err := c.RequestSlot(request("small", sizeGB(1)))
	require.NoError(t, err)
	assert.True(t, tk.Bypassed())
	assert.False(t, tk.Queued())
	assert.Equal(t, 1, c.ActiveCount())

	require.NoError(t, c.StartDownload("small"))
	c.EndDownload("small")

	tk, err = c.RequestSlot(request("unknown-size", nil))
	require.NoError(t, err)
	assert.True(t, tk.Queued(), "unknown size goes through admission")
}

func TestMemoryPressureQueues(t *testing.T) {
	t.Parallel()
	c, mem := newTestController(t, testConfig(5, 10))
	mem.set(2048)

	ok, reason := c.CanStart()
	assert.False(t, ok)
	assert.Equal(t, "Memory usage too high: 2048MB > 1024MB", reason)

	tk, err := c.RequestSlot(request("m", nil))
	require.NoError(t, err)
	require.True(t, tk.Queued())
	done := waitAsync(tk)

	mem.set(200)
	c.EndDownload("nobody")
	require.NoError(t, <-done)
	assert.Equal(t, 1, c.ActiveCount())
}

func TestConcurrencyReason(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t, testConfig(1, 5))
	_, err := c.RequestSlot(request("one", nil))
	require.NoError(t, err)
	ok, reason := c.CanStart()
	assert.False(t, ok)
	assert.Equal(t, "Too many concurrent downloads: 1/1", reason)
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	var rejected atomic.Int32
	obs := ObserverFunc(func(ev types.DownloadEvent) {
		if ev.Type == EventRejected {
			rejected.Add(1)
		}
	})
	c, _ := newTestController(t, testConfig(1, 1), WithObserver(obs))

	_, err := c.RequestSlot(request("active", nil))
	require.NoError(t, err)
	_, err = c.RequestSlot(request("queued", nil))
	require.NoError(t, err)

	_, err = c.RequestSlot(request("overflow", nil))
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Contains(t, err.Error(), "1/1")
	assert.Equal(t, int32(1), rejected.Load())
}

func TestQueueIsFIFO(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t, testConfig(1, 5))
	_, err := c.RequestSlot(request("holder", nil))
	require.NoError(t, err)

	ids := []string{"q1", "q2", "q3"}
	tickets := make([]*Ticket, len(ids))
	for i, id := range ids {
		tickets[i], err = c.RequestSlot(request(id, nil))
		require.NoError(t, err)
		assert.Equal(t, i+1, tickets[i].Position())
	}

	prev := "holder"
	for i, tk := range tickets {
		c.EndDownload(prev)
		require.NoError(t, tk.Wait(context.Background()), ids[i])
		for j := i + 1; j < len(tickets); j++ {
			assert.Equal(t, j-i, tickets[j].Position())
		}
		prev = tk.ID()
	}
}

func TestNewRequestDoesNotJumpQueue(t *testing.T) {
	t.Parallel()
	c, mem := newTestController(t, testConfig(2, 5))
	mem.set(2000)
	tk, err := c.RequestSlot(request("first", nil))
	require.NoError(t, err)
	require.True(t, tk.Queued())

	mem.set(100)
	late, err := c.RequestSlot(request("late", nil))
	require.NoError(t, err)
	assert.True(t, late.Queued())
	assert.Equal(t, 2, late.Position())
}

func TestAdmissionConservation(t *testing.T) {
	t.Parallel()
	const maxConcurrent, queueSize = 3, 8
	var violations atomic.Int32
	obs := ObserverFunc(func(ev types.DownloadEvent) {
		if ev.Active > maxConcurrent || ev.Queued > queueSize {
			violations.Add(1)
		}
	})
	c, _ := newTestController(t, testConfig(maxConcurrent, queueSize), WithObserver(obs))

	var wg sync.WaitGroup
	var served, full atomic.Int32
	for i := range 40 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("dl-%d", i)
			tk, err := c.RequestSlot(request(id, sizeGB(10)))
			if err != nil {
				assert.ErrorIs(t, err, ErrQueueFull)
				full.Add(1)
				return
			}
			if !assert.NoError(t, tk.Wait(context.Background())) {
				return
			}
			assert.LessOrEqual(t, c.ActiveCount(), maxConcurrent)
			assert.NoError(t, c.StartDownload(id))
			time.Sleep(time.Millisecond)
			c.EndDownload(id)
			served.Add(1)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(40), served.Load()+full.Load())
	assert.Zero(t, violations.Load())
	assert.Equal(t, 0, c.ActiveCount())
	assert.Equal(t, 0, c.QueueLength())
}

func TestCancelQueued(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t, testConfig(1, 5))
	_, err := c.RequestSlot(request("holder", nil))
	require.NoError(t, err)
	tk, err := c.RequestSlot(request("victim", nil))
	require.NoError(t, err)

	assert.True(t, c.CancelQueued("victim"))
	assert.False(t, c.CancelQueued("victim"))
	assert.ErrorIs(t, tk.Wait(context.Background()), ErrCancelled)
	assert.Equal(t, 0, c.QueueLength())

	// the id can be used again
	_, err = c.RequestSlot(request("victim", nil))
	assert.NoError(t, err)
}

func TestWaitContextCancelLeavesQueue(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t, testConfig(1, 5))
	_, err := c.RequestSlot(request("holder", nil))
	require.NoError(t, err)
	tk, err := c.RequestSlot(request("impatient", nil))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tk.Wait(ctx), context.DeadlineExceeded)
	assert.Equal(t, 0, c.QueueLength())

	c.EndDownload("holder")
	assert.Equal(t, 0, c.ActiveCount())
}

func TestClearQueue(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t, testConfig(1, 5))
	_, err := c.RequestSlot(request("holder", nil))
	require.NoError(t, err)
	t1, _ := c.RequestSlot(request("x", nil))
	t2, _ := c.RequestSlot(request("y", nil))

	assert.Equal(t, 2, c.ClearQueue())
	assert.ErrorIs(t, t1.Wait(context.Background()), ErrCleared)
	assert.ErrorIs(t, t2.Wait(context.Background()), ErrCleared)
	assert.Equal(t, 1, c.ActiveCount())
	assert.Equal(t, 0, c.ClearQueue())
}

func TestCloseRejectsEverything(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t, testConfig(1, 5))
	_, err := c.RequestSlot(request("holder", nil))
	require.NoError(t, err)
	tk, err := c.RequestSlot(request("waiting", nil))
	require.NoError(t, err)

	c.Close()
	assert.ErrorIs(t, tk.Wait(context.Background()), ErrShuttingDown)
	_, err = c.RequestSlot(request("after", nil))
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Equal(t, 0, c.ActiveCount())
	c.Close()
}

func TestSweep(t *testing.T) {
	t.Parallel()
	clock := &testClock{now: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)}
	c, mem := newTestController(t, testConfig(1, 5), WithClock(clock.Now))

	_, err := c.RequestSlot(request("leaked", nil))
	require.NoError(t, err)
	require.NoError(t, c.StartDownload("leaked"))
	mem.set(4096)
	tk, err := c.RequestSlot(request("stuck", nil))
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	stale, timedOut := c.Sweep()
	assert.Equal(t, 1, stale)
	assert.Equal(t, 0, timedOut)
	assert.Equal(t, 0, c.ActiveCount())
	assert.Equal(t, 1, c.QueueLength(), "memory is still too high")

	clock.Advance(20 * time.Minute)
	_, timedOut = c.Sweep()
	assert.Equal(t, 1, timedOut)
	assert.ErrorIs(t, tk.Wait(context.Background()), ErrQueueTimeout)
}

func TestSweepRefillsFreedSlots(t *testing.T) {
	t.Parallel()
	clock := &testClock{now: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)}
	c, _ := newTestController(t, testConfig(2, 5), WithClock(clock.Now))

	for _, id := range []string{"l1", "l2"} {
		_, err := c.RequestSlot(request(id, nil))
		require.NoError(t, err)
	}
	w1, _ := c.RequestSlot(request("w1", nil))
	w2, _ := c.RequestSlot(request("w2", nil))

	clock.Advance(11 * time.Minute)
	stale, _ := c.Sweep()
	assert.Equal(t, 2, stale)
	assert.NoError(t, w1.Wait(context.Background()))
	assert.NoError(t, w2.Wait(context.Background()))
}

func TestThrottle(t *testing.T) {
	t.Parallel()
	c, mem := newTestController(t, Config{MaxConcurrent: 2, MemoryThresholdMB: 1000, MaxQueueSize: 10, MinFileSizeGB: 3})

	mem.set(500)
	assert.False(t, c.ShouldThrottle())
	assert.Equal(t, 50*time.Millisecond, c.ThrottleDelay())

	mem.set(850)
	assert.True(t, c.ShouldThrottle())
	assert.Equal(t, 100*time.Millisecond, c.ThrottleDelay())

	mem.set(950)
	assert.Equal(t, 200*time.Millisecond, c.ThrottleDelay())
}

func TestEstimatedWait(t *testing.T) {
	t.Parallel()
	clock := &testClock{now: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)}
	c, _ := newTestController(t, testConfig(1, 5), WithClock(clock.Now))
	assert.Equal(t, DefaultEstimatedWait, c.EstimatedWait())

	_, err := c.RequestSlot(request("timed", nil))
	require.NoError(t, err)
	require.NoError(t, c.StartDownload("timed"))
	clock.Advance(10 * time.Second)
	c.EndDownload("timed")
	assert.Equal(t, 10*time.Second, c.EstimatedWait())

	_, _ = c.RequestSlot(request("busy", nil))
	_, _ = c.RequestSlot(request("waiting", nil))
	assert.Equal(t, 20*time.Second, c.EstimatedWait())
}

func TestUnknownAndDuplicateIDs(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t, testConfig(1, 5))
	assert.ErrorIs(t, c.StartDownload("ghost"), ErrUnknownDownload)

	_, err := c.RequestSlot(request("dup", nil))
	require.NoError(t, err)
	_, err = c.RequestSlot(request("dup", nil))
	assert.ErrorIs(t, err, ErrDuplicateDownload)

	tk, err := c.RequestSlot(types.DownloadRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, tk.ID())
}

func TestMemoryReleaseHint(t *testing.T) {
	t.Parallel()
	c, mem := newTestController(t, testConfig(2, 10))
	released := make(chan struct{}, 1)
	c.freeOSMemory = func() { released <- struct{}{} }

	_, err := c.RequestSlot(request("heavy", nil))
	require.NoError(t, err)
	require.NoError(t, c.StartDownload("heavy"))
	mem.set(350)
	c.EndDownload("heavy")

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("expected a memory release after a 250MB delta")
	}
}

func TestObserverSequence(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var seen []string
	obs := ObserverFunc(func(ev types.DownloadEvent) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})
	c, _ := newTestController(t, testConfig(1, 5), WithObserver(obs))

	_, err := c.RequestSlot(request("first", nil))
	require.NoError(t, err)
	require.NoError(t, c.StartDownload("first"))
	tk, _ := c.RequestSlot(request("second", nil))
	c.EndDownload("first")
	require.NoError(t, tk.Wait(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventAdmitted, EventStarted, EventQueued, EventEnded, EventAdmitted}, seen)
}

func TestStatus(t *testing.T) {
	t.Parallel()
	clock := &testClock{now: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)}
	c, _ := newTestController(t, testConfig(1, 5), WithClock(clock.Now))
	_, _ = c.RequestSlot(request("on", nil))
	_, _ = c.RequestSlot(request("next", sizeGB(6)))
	clock.Advance(1500 * time.Millisecond)

	st := c.Status()
	assert.Equal(t, 1, st.ActiveDownloads)
	assert.Equal(t, 1, st.MaxConcurrent)
	assert.Equal(t, 5, st.MaxQueueSize)
	assert.Equal(t, 100.0, st.MemoryUsageMB)
	assert.Equal(t, 1024, st.MemoryThresholdMB)
	require.Equal(t, 1, st.QueueLength)
	q := st.QueuedDownloads[0]
	assert.Equal(t, "next", q.DownloadID)
	assert.Equal(t, 1, q.Position)
	assert.Equal(t, int64(1500), q.WaitTime)
	assert.Equal(t, "next.bin", q.FileName)
	assert.Equal(t, *sizeGB(6), *q.FileSize)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	_, err := New(Config{MaxConcurrent: 0, MemoryThresholdMB: 1024, MaxQueueSize: 5, MinFileSizeGB: 3},
		WithLogger(tool.NewDiscardLogger()), WithProbe(&fakeMemory{}))
	var cerr *ConfigError
	assert.ErrorAs(t, err, &cerr)
}
