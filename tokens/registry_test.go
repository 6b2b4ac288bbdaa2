package tokens

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moyoez/vaultdrop/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewRegistry(WithClock(clock.Now), WithLogger(tool.NewDiscardLogger())), clock
}

func TestIssueAndValidate(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()

	token, err := r.IssueDownloadToken("docs/report.pdf", time.Hour, "report.pdf")
	require.NoError(t, err)
	assert.Len(t, token, 64)

	rec, err := r.ValidateDownload(token)
	require.NoError(t, err)
	assert.Equal(t, "docs/report.pdf", rec.ObjectName)
	assert.Equal(t, "report.pdf", rec.FileName)

	_, err = r.ValidateUpload(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "download token must not open uploads")
}

func TestTokensAreUnique(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()
	seen := make(map[string]bool)
	for range 200 {
		token, err := r.IssueUploadToken("a", time.Minute)
		require.NoError(t, err)
		require.False(t, seen[token])
		seen[token] = true
	}
}

func TestSingleUse(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()
	token, err := r.IssueDownloadToken("obj", time.Hour, "")
	require.NoError(t, err)

	_, err = r.ValidateDownload(token)
	require.NoError(t, err)

	r.ConsumeDownload(token)

	_, err = r.ValidateDownload(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// consuming again is a no-op
	r.ConsumeDownload(token)
	r.ConsumeDownload("never-issued")
}

func TestExpiredTokenIsAbsentBeforeSweep(t *testing.T) {
	t.Parallel()
	r, clock := newTestRegistry()
	token, err := r.IssueUploadToken("obj", time.Minute)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = r.ValidateUpload(token)
	require.NoError(t, err, "still valid at the expiry instant")

	clock.Advance(time.Second)
	_, err = r.ValidateUpload(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSweep(t *testing.T) {
	t.Parallel()
	r, clock := newTestRegistry()
	_, err := r.IssueUploadToken("short", time.Minute)
	require.NoError(t, err)
	_, err = r.IssueDownloadToken("short", time.Minute, "")
	require.NoError(t, err)
	keep, err := r.IssueDownloadToken("long", time.Hour, "")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	assert.Equal(t, 2, r.Sweep())
	assert.Equal(t, 0, r.Len(Upload))
	assert.Equal(t, 1, r.Len(Download))

	_, err = r.ValidateDownload(keep)
	assert.NoError(t, err)
}

func TestClaimIsExclusive(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()
	token, err := r.IssueDownloadToken("obj", time.Hour, "")
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.ClaimDownload(token); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	_, err = r.ValidateDownload(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "claimed token looks absent")

	r.ReleaseDownload(token)
	_, err = r.ClaimDownload(token)
	assert.NoError(t, err, "released token can be retried")
}

func TestIssueHook(t *testing.T) {
	t.Parallel()
	var kinds []Kind
	r := NewRegistry(WithIssueHook(func(k Kind) { kinds = append(kinds, k) }), WithLogger(tool.NewDiscardLogger()))
	_, err := r.IssueUploadToken("a", time.Minute)
	require.NoError(t, err)
	_, err = r.IssueDownloadToken("a", time.Minute, "")
	require.NoError(t, err)
	assert.Equal(t, []Kind{Upload, Download}, kinds)
}
