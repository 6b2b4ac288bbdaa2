package tokens

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/moyoez/vaultdrop/tool"
)

const (
	// SweepInterval is how often expired tokens are dropped.
	SweepInterval = 5 * time.Minute

	tokenBytes = 32
)

// ErrInvalidToken covers unknown, expired, consumed and in-flight tokens
// alike; callers cannot tell them apart.
var ErrInvalidToken = errors.New("invalid or expired token")

// Kind separates upload tokens from download tokens.
type Kind int

const (
	Upload Kind = iota
	Download
)

func (k Kind) String() string {
	if k == Upload {
		return "upload"
	}
	return "download"
}

// Record is what a token stands for.
type Record struct {
	ObjectName string
	FileName   string
	ExpiresAt  time.Time
}

type entry struct {
	Record
	claimed bool
}

// Registry holds single-use tokens for both directions.
type Registry struct {
	mu      sync.Mutex
	entries [2]map[string]*entry
	now     func() time.Time
	logger  *log.Logger
	onIssue func(Kind)
}

type Option func(*Registry)

func WithLogger(l *log.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIssueHook is called after every issued token.
func WithIssueHook(fn func(Kind)) Option {
	return func(r *Registry) { r.onIssue = fn }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: [2]map[string]*entry{
			make(map[string]*entry),
			make(map[string]*entry),
		},
		now:    time.Now,
		logger: tool.NewComponentLogger("tokens"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) IssueUploadToken(objectName string, ttl time.Duration) (string, error) {
	return r.issue(Upload, objectName, ttl, "")
}

func (r *Registry) IssueDownloadToken(objectName string, ttl time.Duration, fileName string) (string, error) {
	return r.issue(Download, objectName, ttl, fileName)
}

func (r *Registry) issue(kind Kind, objectName string, ttl time.Duration, fileName string) (string, error) {
	token, err := tool.GenerateToken(tokenBytes)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.entries[kind][token] = &entry{Record: Record{
		ObjectName: objectName,
		FileName:   fileName,
		ExpiresAt:  r.now().Add(ttl),
	}}
	r.mu.Unlock()
	if r.onIssue != nil {
		r.onIssue(kind)
	}
	r.logger.Debugf("issued %s token for %s, ttl %s", kind, objectName, ttl)
	return token, nil
}

func (r *Registry) ValidateUpload(token string) (Record, error) {
	return r.validate(Upload, token)
}

func (r *Registry) ValidateDownload(token string) (Record, error) {
	return r.validate(Download, token)
}

func (r *Registry) validate(kind Kind, token string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live(kind, token)
	if !ok || e.claimed {
		return Record{}, ErrInvalidToken
	}
	return e.Record, nil
}

// live must be called with mu held.
func (r *Registry) live(kind Kind, token string) (*entry, bool) {
	e, ok := r.entries[kind][token]
	if !ok {
		return nil, false
	}
	if r.now().After(e.ExpiresAt) {
		delete(r.entries[kind], token)
		return nil, false
	}
	return e, true
}

// ClaimDownload validates a download token and marks it in-flight, so a
// second concurrent request with the same token is refused. The claim is
// ended by ConsumeDownload on success or ReleaseDownload on failure.
func (r *Registry) ClaimDownload(token string) (Record, error) {
	return r.claim(Download, token)
}

// ClaimUpload is ClaimDownload for upload tokens.
func (r *Registry) ClaimUpload(token string) (Record, error) {
	return r.claim(Upload, token)
}

func (r *Registry) claim(kind Kind, token string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live(kind, token)
	if !ok || e.claimed {
		return Record{}, ErrInvalidToken
	}
	e.claimed = true
	return e.Record, nil
}

func (r *Registry) ReleaseDownload(token string) {
	r.release(Download, token)
}

func (r *Registry) ReleaseUpload(token string) {
	r.release(Upload, token)
}

func (r *Registry) release(kind Kind, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[kind][token]; ok {
		e.claimed = false
	}
}

// ConsumeUpload deletes the token. Unknown tokens are ignored.
func (r *Registry) ConsumeUpload(token string) {
	r.consume(Upload, token)
}

// ConsumeDownload deletes the token. Unknown tokens are ignored.
func (r *Registry) ConsumeDownload(token string) {
	r.consume(Download, token)
}

func (r *Registry) consume(kind Kind, token string) {
	r.mu.Lock()
	delete(r.entries[kind], token)
	r.mu.Unlock()
}

// Sweep removes every expired token and returns how many were dropped.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for kind := range r.entries {
		for token, e := range r.entries[kind] {
			if now.After(e.ExpiresAt) {
				delete(r.entries[kind], token)
				removed++
			}
		}
	}
	if removed > 0 {
		r.logger.Debugf("swept %d expired tokens", removed)
	}
	return removed
}

// Len returns the number of tokens currently held for kind.
func (r *Registry) Len(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries[kind])
}

// Run sweeps every SweepInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
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
