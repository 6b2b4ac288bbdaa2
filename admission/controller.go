package admission

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/moyoez/vaultdrop/tool"
	"github.com/moyoez/vaultdrop/types"
)

const (
	SweepInterval = 30 * time.Second
	// StaleActiveAfter drops active records that were never ended.
	StaleActiveAfter = 10 * time.Minute
	// StaleQueuedAfter rejects requests that waited too long.
	StaleQueuedAfter = 30 * time.Minute
	// DefaultEstimatedWait is reported before any download has finished.
	DefaultEstimatedWait = 60 * time.Second

	gcHintDeltaMB = 100
)

var (
	ErrQueueFull         = errors.New("download queue is full")
	ErrQueueTimeout      = errors.New("download timed out in queue")
	ErrCancelled         = errors.New("download was cancelled")
	ErrCleared           = errors.New("queue was cleared by administrator")
	ErrShuttingDown      = errors.New("download manager is shutting down")
	ErrUnknownDownload   = errors.New("unknown download")
	ErrDuplicateDownload = errors.New("download id is already tracked")
)

// Event types passed to observers.
const (
	EventQueued    = "queued"
	EventAdmitted  = "admitted"
	EventRejected  = "rejected"
	EventCancelled = "cancelled"
	EventTimedOut  = "timed-out"
	EventStarted   = "started"
	EventEnded     = "ended"
)

// Observer is told about every state change of a download.
type Observer interface {
	ObserveDownload(ev types.DownloadEvent)
}

type ObserverFunc func(types.DownloadEvent)

func (f ObserverFunc) ObserveDownload(ev types.DownloadEvent) { f(ev) }

type record struct {
	req           types.DownloadRequest
	grantedAt     time.Time
	startedAt     time.Time
	memoryAtStart float64
}

// since reports the age used for stale detection.
func (r *record) since() time.Time {
	if r.startedAt.IsZero() {
		return r.grantedAt
	}
	return r.startedAt
}

type waiter struct {
	req      types.DownloadRequest
	queuedAt time.Time
	ready    chan struct{}
	// err is written before ready is closed.
	err error
}

// Controller gates large downloads by concurrency and process memory. Slots
// are reserved when granted, so a granted download counts as active until
// EndDownload even if StartDownload has not been called yet.
type Controller struct {
	mu       sync.Mutex
	cfg      Config
	active   map[string]*record
	bypassed map[string]*record
	queue    []*waiter
	closed   bool
	avgTime  time.Duration

	probe        MemoryProbe
	observers    []Observer
	logger       *log.Logger
	now          func() time.Time
	freeOSMemory func()
}

type Option func(*Controller)

func WithLogger(l *log.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithProbe(p MemoryProbe) Option {
	return func(c *Controller) { c.probe = p }
}

func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// New validates cfg and returns a controller. Warnings are logged; a
// *ConfigError is returned for unusable bounds.
func New(cfg Config, opts ...Option) (*Controller, error) {
	c := &Controller{
		cfg:          cfg,
		active:       make(map[string]*record),
		bypassed:     make(map[string]*record),
		logger:       tool.NewComponentLogger("download"),
		now:          time.Now,
		freeOSMemory: debug.FreeOSMemory,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.probe == nil {
		c.probe = NewProcessMemory()
	}

	warnings, err := Validate(cfg)
	for _, w := range warnings {
		c.logger.Warn(w)
	}
	if err != nil {
		return nil, err
	}
	c.logger.Infof("max concurrent %d, memory threshold %dMB, queue size %d, min file size %gGB, auto-scale %t",
		cfg.MaxConcurrent, cfg.MemoryThresholdMB, cfg.MaxQueueSize, cfg.MinFileSizeGB, cfg.AutoScale)
	return c, nil
}

// Ticket is the answer to RequestSlot. A ticket that is not queued holds a
// slot already; a queued one must Wait for admission.
type Ticket struct {
	c        *Controller
	req      types.DownloadRequest
	w        *waiter
	bypassed bool
}

func (t *Ticket) ID() string { return t.req.DownloadID }

// Bypassed reports whether the download skipped admission for being small.
func (t *Ticket) Bypassed() bool { return t.bypassed }

func (t *Ticket) Queued() bool { return t.w != nil }

// Position returns the 1-based queue position, or 0 once the ticket has left
// the queue.
func (t *Ticket) Position() int {
	if t.w == nil {
		return 0
	}
	return t.c.position(t.w)
}

// Wait blocks until the ticket is admitted. It returns the rejection cause
// when the request is cancelled, cleared or timed out. If ctx ends first the
// request leaves the queue.
func (t *Ticket) Wait(ctx context.Context) error {
	if t.w == nil {
		return nil
	}
	select {
	case <-t.w.ready:
		return t.w.err
	case <-ctx.Done():
		if t.c.abandon(t.w, ctx.Err()) {
			return ctx.Err()
		}
		// admitted or rejected while ctx was ending
		<-t.w.ready
		if t.w.err != nil {
			return t.w.err
		}
		t.c.EndDownload(t.req.DownloadID)
		return ctx.Err()
	}
}

// RequestSlot grants, queues or rejects a download. Files known to be smaller
// than MinFileSizeGB are granted without counting against the limits. A full
// queue yields ErrQueueFull, which callers should map to a retry-later answer.
func (c *Controller) RequestSlot(req types.DownloadRequest) (*Ticket, error) {
	if req.DownloadID == "" {
		req.DownloadID = uuid.NewString()
	}
	id := req.DownloadID
	now := c.now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if c.trackedLocked(id) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDownload, id)
	}

	if req.FileSize != nil && c.belowMinSize(*req.FileSize) {
		c.bypassed[id] = &record{req: req, grantedAt: now}
		c.mu.Unlock()
		c.logger.Debugf("file %s (%.2fGB) below threshold (%gGB), bypassing queue",
			displayName(req), float64(*req.FileSize)/(1<<30), c.cfg.MinFileSizeGB)
		return &Ticket{c: c, req: req, bypassed: true}, nil
	}

	var events []types.DownloadEvent
	defer func() { c.publish(events) }()

	if ok, _ := c.canStartLocked(); ok && len(c.queue) == 0 {
		c.active[id] = &record{req: req, grantedAt: now}
		events = append(events, c.eventLocked(EventAdmitted, req, 0, ""))
		c.mu.Unlock()
		c.logger.Infof("immediate start: %s", id)
		return &Ticket{c: c, req: req}, nil
	}

	if len(c.queue) >= c.cfg.MaxQueueSize {
		events = append(events, c.eventLocked(EventRejected, req, 0, "queue full"))
		n := len(c.queue)
		c.mu.Unlock()
		c.logger.Warnf("queue full, rejecting %s", id)
		return nil, fmt.Errorf("%w: %d/%d", ErrQueueFull, n, c.cfg.MaxQueueSize)
	}

	w := &waiter{req: req, queuedAt: now, ready: make(chan struct{})}
	c.queue = append(c.queue, w)
	pos := len(c.queue)
	events = append(events, c.eventLocked(EventQueued, req, pos, ""))
	c.mu.Unlock()

	c.logger.Infof("queued: %s (position %d/%d)", id, pos, c.cfg.MaxQueueSize)
	if req.FileName != "" && req.FileSize != nil {
		c.logger.Infof("queued file: %s (%.1fMB)", req.FileName, float64(*req.FileSize)/mb)
	}
	return &Ticket{c: c, req: req, w: w}, nil
}

// StartDownload records the start time and memory of a granted download.
func (c *Controller) StartDownload(id string) error {
	c.mu.Lock()
	rec, ok := c.active[id]
	if !ok {
		rec, ok = c.bypassed[id]
	}
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDownload, id)
	}
	rec.startedAt = c.now()
	rec.memoryAtStart = c.probe.UsageMB()
	ev := c.eventLocked(EventStarted, rec.req, 0, "")
	active := len(c.active)
	c.mu.Unlock()

	c.publish([]types.DownloadEvent{ev})
	c.logger.Infof("started: %s (%d/%d active)", id, active, c.cfg.MaxConcurrent)
	return nil
}

// EndDownload releases the slot of id and admits at most one queued request.
// Ending an unknown id only retries the queue.
func (c *Controller) EndDownload(id string) {
	var (
		events []types.DownloadEvent
		gc     bool
	)
	c.mu.Lock()
	rec, ok := c.active[id]
	if ok {
		delete(c.active, id)
	} else if rec, ok = c.bypassed[id]; ok {
		delete(c.bypassed, id)
	}
	if ok {
		if !rec.startedAt.IsZero() {
			duration := c.now().Sub(rec.startedAt)
			delta := c.probe.UsageMB() - rec.memoryAtStart
			c.recordDurationLocked(duration)
			c.logger.Infof("ended: %s (duration %.1fs, memory delta %.1fMB)", id, duration.Seconds(), delta)
			gc = delta > gcHintDeltaMB
		}
		events = append(events, c.eventLocked(EventEnded, rec.req, 0, ""))
	}
	events = c.processQueueLocked(events)
	c.mu.Unlock()

	c.publish(events)
	if gc {
		go func() {
			c.freeOSMemory()
			c.logger.Debugf("released memory to the OS after download %s", id)
		}()
	}
}

// processQueueLocked admits the head of the queue if conditions allow.
func (c *Controller) processQueueLocked(events []types.DownloadEvent) []types.DownloadEvent {
	if len(c.queue) == 0 {
		return events
	}
	if ok, _ := c.canStartLocked(); !ok {
		return events
	}
	w := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	c.active[w.req.DownloadID] = &record{req: w.req, grantedAt: c.now()}
	close(w.ready)

	c.logger.Infof("processing queue: %s (%d remaining)", w.req.DownloadID, len(c.queue))
	if w.req.FileName != "" && w.req.FileSize != nil {
		c.logger.Infof("starting queued file: %s (%.1fMB)", w.req.FileName, float64(*w.req.FileSize)/mb)
	}
	return append(events, c.eventLocked(EventAdmitted, w.req, 0, ""))
}

// CancelQueued removes id from the queue and fails its Wait with ErrCancelled.
func (c *Controller) CancelQueued(id string) bool {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	w := c.removeLocked(i, ErrCancelled)
	ev := c.eventLocked(EventCancelled, w.req, 0, "cancelled")
	c.mu.Unlock()

	c.publish([]types.DownloadEvent{ev})
	c.logger.Infof("cancelled queued download: %s (was at position %d)", id, i+1)
	return true
}

// ClearQueue rejects every queued request and returns how many there were.
func (c *Controller) ClearQueue() int {
	c.mu.Lock()
	events := c.rejectAllLocked(ErrCleared, EventCancelled)
	c.mu.Unlock()

	c.publish(events)
	c.logger.Infof("cleared queue: %d downloads cancelled", len(events))
	return len(events)
}

// Close rejects every queued request and forgets all slots. Later calls to
// RequestSlot fail with ErrShuttingDown.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	events := c.rejectAllLocked(ErrShuttingDown, EventCancelled)
	c.active = make(map[string]*record)
	c.bypassed = make(map[string]*record)
	c.mu.Unlock()

	c.publish(events)
	c.logger.Info("shutdown completed")
}

// abandon removes w after its caller stopped waiting. It reports false when w
// already left the queue.
func (c *Controller) abandon(w *waiter, cause error) bool {
	c.mu.Lock()
	i := slices.Index(c.queue, w)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	c.removeLocked(i, cause)
	ev := c.eventLocked(EventCancelled, w.req, 0, cause.Error())
	c.mu.Unlock()

	c.publish([]types.DownloadEvent{ev})
	c.logger.Debugf("queued download %s abandoned: %v", w.req.DownloadID, cause)
	return true
}

// Sweep drops active records older than StaleActiveAfter and rejects queued
// requests older than StaleQueuedAfter, then refills freed slots from the
// queue. It returns the number of records dropped and requests timed out.
func (c *Controller) Sweep() (stale, timedOut int) {
	now := c.now()
	var events []types.DownloadEvent

	c.mu.Lock()
	for _, set := range []map[string]*record{c.active, c.bypassed} {
		for id, rec := range set {
			if now.Sub(rec.since()) > StaleActiveAfter {
				c.logger.Warnf("cleaning up stale active download: %s", id)
				delete(set, id)
				stale++
			}
		}
	}

	kept := c.queue[:0]
	for _, w := range c.queue {
		if now.Sub(w.queuedAt) > StaleQueuedAfter {
			c.logger.Warnf("cleaning up stale queued download: %s", w.req.DownloadID)
			w.err = fmt.Errorf("%w: %s", ErrQueueTimeout, w.req.DownloadID)
			close(w.ready)
			timedOut++
			events = append(events, types.DownloadEvent{Type: EventTimedOut, DownloadID: w.req.DownloadID, FileName: w.req.FileName, Time: now})
			continue
		}
		kept = append(kept, w)
	}
	clear(c.queue[len(kept):])
	c.queue = kept
	for i := range events {
		events[i].Active, events[i].Queued = len(c.active), len(c.queue)
	}

	for range max(stale, 1) {
		before := len(events)
		events = c.processQueueLocked(events)
		if len(events) == before {
			break
		}
	}
	c.mu.Unlock()

	c.publish(events)
	if timedOut > 0 {
		c.logger.Infof("cleaned up %d stale queued downloads", timedOut)
	}
	return stale, timedOut
}

// Run sweeps every SweepInterval until ctx is done, then closes the controller.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// CanStart reports whether a new download would be granted right now and,
// if not, why.
func (c *Controller) CanStart() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canStartLocked()
}

func (c *Controller) canStartLocked() (bool, string) {
	usage := c.probe.UsageMB()
	if usage > float64(c.cfg.MemoryThresholdMB) {
		return false, fmt.Sprintf("Memory usage too high: %.0fMB > %dMB", usage, c.cfg.MemoryThresholdMB)
	}
	if len(c.active) >= c.cfg.MaxConcurrent {
		return false, fmt.Sprintf("Too many concurrent downloads: %d/%d", len(c.active), c.cfg.MaxConcurrent)
	}
	return true, ""
}

// ShouldThrottle reports whether memory is above 80% of the threshold.
func (c *Controller) ShouldThrottle() bool {
	return c.probe.UsageMB() > float64(c.cfg.MemoryThresholdMB)*0.8
}

// ThrottleDelay is the pause streamers should insert between chunks.
func (c *Controller) ThrottleDelay() time.Duration {
	ratio := c.probe.UsageMB() / float64(c.cfg.MemoryThresholdMB)
	switch {
	case ratio > 0.9:
		return 200 * time.Millisecond
	case ratio > 0.8:
		return 100 * time.Millisecond
	default:
		return 50 * time.Millisecond
	}
}

// EstimatedWait guesses how long a new queued request would wait, from the
// moving average of finished downloads.
func (c *Controller) EstimatedWait() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.avgTime == 0 {
		return DefaultEstimatedWait
	}
	rounds := len(c.queue)/max(c.cfg.MaxConcurrent, 1) + 1
	return c.avgTime * time.Duration(rounds)
}

func (c *Controller) recordDurationLocked(d time.Duration) {
	if c.avgTime == 0 {
		c.avgTime = d
		return
	}
	c.avgTime = time.Duration(0.8*float64(c.avgTime) + 0.2*float64(d))
}

// Status is a snapshot of the queue.
func (c *Controller) Status() types.QueueStatus {
	now := c.now()
	memory := c.MemoryUsageMB()
	c.mu.Lock()
	defer c.mu.Unlock()
	queued := make([]types.QueuedDownloadInfo, len(c.queue))
	for i, w := range c.queue {
		queued[i] = types.QueuedDownloadInfo{
			DownloadID: w.req.DownloadID,
			Position:   i + 1,
			WaitTime:   now.Sub(w.queuedAt).Milliseconds(),
			FileName:   w.req.FileName,
			FileSize:   w.req.FileSize,
		}
	}
	return types.QueueStatus{
		QueueLength:       len(c.queue),
		MaxQueueSize:      c.cfg.MaxQueueSize,
		ActiveDownloads:   len(c.active),
		MaxConcurrent:     c.cfg.MaxConcurrent,
		MemoryUsageMB:     memory,
		MemoryThresholdMB: c.cfg.MemoryThresholdMB,
		QueuedDownloads:   queued,
	}
}

func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Controller) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Controller) Config() Config { return c.cfg }

// MemoryUsageMB is the probe's current reading.
func (c *Controller) MemoryUsageMB() float64 { return c.probe.UsageMB() }

func (c *Controller) belowMinSize(size int64) bool {
	return float64(size)/(1<<30) < c.cfg.MinFileSizeGB
}

func (c *Controller) trackedLocked(id string) bool {
	if _, ok := c.active[id]; ok {
		return true
	}
	if _, ok := c.bypassed[id]; ok {
		return true
	}
	return c.indexLocked(id) >= 0
}

func (c *Controller) indexLocked(id string) int {
	for i, w := range c.queue {
		if w.req.DownloadID == id {
			return i
		}
	}
	return -1
}

func (c *Controller) position(w *waiter) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Index(c.queue, w) + 1
}

func (c *Controller) removeLocked(i int, cause error) *waiter {
	w := c.queue[i]
	c.queue = append(c.queue[:i], c.queue[i+1:]...)
	w.err = cause
	close(w.ready)
	return w
}

func (c *Controller) rejectAllLocked(cause error, typ string) []types.DownloadEvent {
	queue := c.queue
	c.queue = nil
	events := make([]types.DownloadEvent, 0, len(queue))
	for _, w := range queue {
		w.err = cause
		close(w.ready)
		events = append(events, c.eventLocked(typ, w.req, 0, cause.Error()))
	}
	return events
}

func (c *Controller) eventLocked(typ string, req types.DownloadRequest, position int, reason string) types.DownloadEvent {
	return types.DownloadEvent{
		Type:       typ,
		DownloadID: req.DownloadID,
		FileName:   req.FileName,
		Position:   position,
		Active:     len(c.active),
		Queued:     len(c.queue),
		Reason:     reason,
		Time:       c.now(),
	}
}

func (c *Controller) publish(events []types.DownloadEvent) {
	for _, ev := range events {
		for _, o := range c.observers {
			o.ObserveDownload(ev)
		}
	}
}

func displayName(req types.DownloadRequest) string {
	if req.FileName == "" {
		return "unknown"
	}
	return req.FileName
}
