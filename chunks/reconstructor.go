package chunks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"github.com/charmbracelet/log"
	"github.com/moyoez/vaultdrop/storage"
	"github.com/moyoez/vaultdrop/tool"
	"github.com/moyoez/vaultdrop/types"
)

const (
	// SweepInterval is how often idle sessions are looked for.
	SweepInterval = 30 * time.Minute
	// MaxSessionAge is how long a session may sit idle before it is purged.
	MaxSessionAge = 2 * time.Hour
	// CompletedTTL is how long a finished upload's result is remembered for
	// retried last chunks.
	CompletedTTL = 10 * time.Minute

	chunkBufferSize = 1024 * 1024
)

var uploadIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-.]{1,128}$`)

// Store is where finished uploads are written.
type Store interface {
	PutStream(ctx context.Context, objectName string, r io.Reader) (int64, error)
}

// Recorder receives counters about chunk traffic.
type Recorder interface {
	ChunkReceived(duplicate bool)
	UploadFinished(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ChunkReceived(bool)    {}
func (nopRecorder) UploadFinished(string) {}

// Reconstructor reassembles chunked uploads in a staging area and hands the
// result to a Store once every chunk is present.
type Reconstructor struct {
	mu         sync.Mutex
	sessions   map[string]*session
	finalizing map[string]struct{}
	completed  *ttlworker.Cache[string, *types.ChunkResult]

	stagingRoot string
	store       Store
	strictSize  bool
	recorder    Recorder
	logger      *log.Logger
	now         func() time.Time
	bufPool     sync.Pool
}

type Option func(*Reconstructor)

func WithLogger(l *log.Logger) Option {
	return func(r *Reconstructor) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconstructor) { r.now = now }
}

// WithStrictSize makes a size mismatch at finalization fatal for the upload.
func WithStrictSize(strict bool) Option {
	return func(r *Reconstructor) { r.strictSize = strict }
}

func WithRecorder(rec Recorder) Option {
	return func(r *Reconstructor) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// New returns a Reconstructor staging chunks under stagingRoot.
func New(stagingRoot string, store Store, opts ...Option) (*Reconstructor, error) {
	if stagingRoot == "" || store == nil {
		return nil, errors.New("staging root and store are required")
	}
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create staging root failed: %w", err)
	}
	r := &Reconstructor{
		sessions:    make(map[string]*session),
		finalizing:  make(map[string]struct{}),
		completed:   ttlworker.NewCache[string, *types.ChunkResult](CompletedTTL),
		stagingRoot: stagingRoot,
		store:       store,
		recorder:    nopRecorder{},
		logger:      tool.NewComponentLogger("chunks"),
		now:         time.Now,
	}
	r.bufPool.New = func() any {
		b := make([]byte, chunkBufferSize)
		return &b
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ProcessChunk stores one chunk and finalizes the upload when it carries the
// last-chunk flag and every chunk is present.
func (r *Reconstructor) ProcessChunk(ctx context.Context, meta types.ChunkMetadata, body io.Reader) (types.ChunkResult, error) {
	if err := validateMetadata(meta); err != nil {
		return types.ChunkResult{}, err
	}
	sess, res, err := r.acquire(meta)
	if err != nil {
		return types.ChunkResult{}, err
	}
	if res != nil {
		r.logger.Debugf("upload %s already finished, replaying result", meta.UploadID)
		return *res, nil
	}

	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		if res := r.completed.Get(meta.UploadID); res != nil {
			return *res, nil
		}
		return types.ChunkResult{}, ErrSessionNotFound
	}
	if r.isFinalizing(sess.uploadID) {
		sess.mu.Unlock()
		r.logger.Debugf("upload %s is already being finalized", sess.uploadID)
		return types.ChunkResult{IsComplete: false}, nil
	}
	if meta.TotalChunks != sess.totalChunks {
		sess.mu.Unlock()
		return types.ChunkResult{}, invalidf("total chunks changed from %d to %d", sess.totalChunks, meta.TotalChunks)
	}
	if meta.ChunkIndex < 0 || meta.ChunkIndex >= sess.totalChunks {
		sess.mu.Unlock()
		return types.ChunkResult{}, invalidf("Invalid chunk index: %d (must be 0-%d)", meta.ChunkIndex, sess.totalChunks-1)
	}

	if sess.has(meta.ChunkIndex) {
		r.logger.Debugf("chunk %d of %s already uploaded, treating as success", meta.ChunkIndex, sess.uploadID)
		r.recorder.ChunkReceived(true)
	} else {
		start := r.now()
		if err := r.writeChunk(ctx, sess, meta.ChunkIndex, body); err != nil {
			sess.mu.Unlock()
			return types.ChunkResult{}, fmt.Errorf("write chunk %d failed: %w", meta.ChunkIndex, err)
		}
		sess.received[meta.ChunkIndex] = struct{}{}
		sess.lastActive = r.now()
		r.recorder.ChunkReceived(false)
		r.logger.Debugf("chunk %d/%d of %s stored in %s", meta.ChunkIndex+1, sess.totalChunks, sess.fileName, r.now().Sub(start))
	}

	if !meta.IsLastChunk || !sess.complete() {
		sess.mu.Unlock()
		return types.ChunkResult{IsComplete: false}, nil
	}
	if missing := sess.missing(); len(missing) > 0 {
		sess.mu.Unlock()
		return types.ChunkResult{}, &ValidationError{Msg: "Missing chunks", Missing: missing}
	}
	if !r.markFinalizing(sess.uploadID) {
		sess.mu.Unlock()
		return types.ChunkResult{IsComplete: false}, nil
	}
	sess.mu.Unlock()

	// The client may hang up after sending the last chunk; the upload is
	// finished regardless and a retry picks the result from the cache.
	return r.finalize(context.WithoutCancel(ctx), sess)
}

func validateMetadata(meta types.ChunkMetadata) error {
	if !uploadIDPattern.MatchString(meta.UploadID) || meta.UploadID == "." || meta.UploadID == ".." {
		return invalidf("invalid upload id %q", meta.UploadID)
	}
	if meta.TotalChunks < 1 {
		return invalidf("total chunks must be at least 1, got %d", meta.TotalChunks)
	}
	if meta.TotalSize < 0 {
		return invalidf("total size must not be negative, got %d", meta.TotalSize)
	}
	return nil
}

// acquire returns the session for meta.UploadID, creating it for chunk 0.
// A chunk for an upload that finished recently gets the cached result.
func (r *Reconstructor) acquire(meta types.ChunkMetadata) (*session, *types.ChunkResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[meta.UploadID]; ok {
		return sess, nil, nil
	}
	if res := r.completed.Get(meta.UploadID); res != nil {
		return nil, res, nil
	}
	if meta.ChunkIndex != 0 {
		return nil, nil, ErrSessionNotFound
	}
	objectName := meta.ObjectName
	if objectName == "" {
		objectName = meta.UploadID + "-" + storage.SanitizeObjectName(meta.FileName)
	}
	now := r.now()
	sess := &session{
		uploadID:    meta.UploadID,
		fileName:    meta.FileName,
		objectName:  objectName,
		totalSize:   meta.TotalSize,
		totalChunks: meta.TotalChunks,
		received:    make(map[int]struct{}, meta.TotalChunks),
		parked:      make(map[int]string),
		dir:         stagingDir(r.stagingRoot, meta.UploadID),
		createdAt:   now,
		lastActive:  now,
	}
	r.sessions[meta.UploadID] = sess
	r.logger.Infof("created upload session for %s (%s, %d chunks)", meta.FileName, meta.UploadID, meta.TotalChunks)
	return sess, nil, nil
}

func (r *Reconstructor) isFinalizing(uploadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.finalizing[uploadID]
	return ok
}

// markFinalizing adds uploadID to the guard and reports whether it was absent.
func (r *Reconstructor) markFinalizing(uploadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.finalizing[uploadID]; ok {
		return false
	}
	r.finalizing[uploadID] = struct{}{}
	return true
}

// release drops the session and its guard entry and deletes staging data.
func (r *Reconstructor) release(sess *session) {
	r.mu.Lock()
	if r.sessions[sess.uploadID] == sess {
		delete(r.sessions, sess.uploadID)
	}
	delete(r.finalizing, sess.uploadID)
	r.mu.Unlock()

	sess.mu.Lock()
	sess.closed = true
	sess.mu.Unlock()
	r.removeStaging(sess)
}

func (r *Reconstructor) finalize(ctx context.Context, sess *session) (types.ChunkResult, error) {
	start := r.now()
	result, err := r.finalizeStaging(ctx, sess)
	if err != nil {
		r.logger.Errorf("finalize %s failed: %v", sess.uploadID, err)
		r.release(sess)
		r.recorder.UploadFinished("failed")
		return types.ChunkResult{}, err
	}
	r.completed.Set(sess.uploadID, &result)
	r.release(sess)
	r.recorder.UploadFinished("completed")
	r.logger.Infof("upload %s finalized as %s (%d bytes) in %s", sess.uploadID, result.FinalObjectName, result.Size, r.now().Sub(start))
	return result, nil
}

func (r *Reconstructor) finalizeStaging(ctx context.Context, sess *session) (types.ChunkResult, error) {
	// Finalization runs outside the session lock; the guard keeps writers out.
	if sess.next < sess.totalChunks {
		if err := r.drain(ctx, sess); err != nil {
			return types.ChunkResult{}, err
		}
		if sess.next < sess.totalChunks {
			return types.ChunkResult{}, fmt.Errorf("staging file holds %d of %d chunks", sess.next, sess.totalChunks)
		}
	}

	st, err := os.Stat(sess.stagingPath())
	if err != nil {
		return types.ChunkResult{}, fmt.Errorf("stat staging file failed: %w", err)
	}
	if st.Size() != sess.totalSize {
		if r.strictSize {
			return types.ChunkResult{}, fmt.Errorf("%w: staged %d, declared %d", ErrSizeMismatch, st.Size(), sess.totalSize)
		}
		r.logger.Warnf("size mismatch for %s: staged %d bytes, declared %d", sess.uploadID, st.Size(), sess.totalSize)
	}

	f, err := os.Open(sess.stagingPath())
	if err != nil {
		return types.ChunkResult{}, fmt.Errorf("open staging file failed: %w", err)
	}
	defer f.Close()
	n, err := r.store.PutStream(ctx, sess.objectName, f)
	if err != nil {
		return types.ChunkResult{}, err
	}
	return types.ChunkResult{IsComplete: true, FinalObjectName: sess.objectName, Size: n}, nil
}

// Progress reports how many chunks of uploadID have arrived.
func (r *Reconstructor) Progress(uploadID string) (types.UploadProgress, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[uploadID]
	r.mu.Unlock()
	if !ok {
		return types.UploadProgress{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	uploaded := len(sess.received)
	return types.UploadProgress{
		Uploaded:       uploaded,
		Total:          sess.totalChunks,
		Percentage:     int(float64(uploaded)/float64(sess.totalChunks)*100 + 0.5),
		ReceivedChunks: sess.receivedIndices(),
		StartedAt:      sess.createdAt,
	}, true
}

// Cancel discards an in-progress upload. It reports false when there was
// nothing to cancel or the upload is already being finalized.
func (r *Reconstructor) Cancel(uploadID string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[uploadID]
	_, finalizing := r.finalizing[uploadID]
	if !ok || finalizing {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, uploadID)
	r.mu.Unlock()

	// waits for a chunk write in flight
	sess.mu.Lock()
	sess.closed = true
	sess.mu.Unlock()
	r.removeStaging(sess)
	r.recorder.UploadFinished("cancelled")
	r.logger.Infof("upload %s cancelled", uploadID)
	return true
}

// Sweep purges sessions idle for longer than MaxSessionAge. Sessions that are
// busy or finalizing are left for the next round.
func (r *Reconstructor) Sweep() int {
	cutoff := r.now().Add(-MaxSessionAge)
	r.mu.Lock()
	var expired []*session
	for id, sess := range r.sessions {
		if _, busy := r.finalizing[id]; busy {
			continue
		}
		if !sess.mu.TryLock() {
			continue
		}
		if sess.lastActive.Before(cutoff) {
			sess.closed = true
			delete(r.sessions, id)
			expired = append(expired, sess)
		}
		sess.mu.Unlock()
	}
	r.mu.Unlock()

	for _, sess := range expired {
		r.logger.Infof("purging expired upload %s (%s, started %s ago)", sess.uploadID, sess.fileName, r.now().Sub(sess.createdAt).Round(time.Second))
		r.removeStaging(sess)
		r.recorder.UploadFinished("expired")
	}
	return len(expired)
}

// Run sweeps every SweepInterval until ctx is done.
func (r *Reconstructor) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Close drops every session and its staging data.
func (r *Reconstructor) Close() {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*session)
	r.finalizing = make(map[string]struct{})
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		sess.closed = true
		sess.mu.Unlock()
		r.removeStaging(sess)
	}
}

// Len returns the number of open sessions.
func (r *Reconstructor) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Reconstructor) removeStaging(sess *session) {
	if err := os.RemoveAll(sess.dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.logger.Warnf("remove staging data for %s failed: %v", sess.uploadID, err)
	}
}
