package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/moyoez/vaultdrop/admission"
	"github.com/moyoez/vaultdrop/api"
	"github.com/moyoez/vaultdrop/api/queuehub"
	"github.com/moyoez/vaultdrop/chunks"
	"github.com/moyoez/vaultdrop/codec"
	"github.com/moyoez/vaultdrop/metrics"
	"github.com/moyoez/vaultdrop/storage"
	"github.com/moyoez/vaultdrop/tokens"
	"github.com/moyoez/vaultdrop/tool"
	"github.com/moyoez/vaultdrop/types"
)

const s3VerifyTimeout = 10 * time.Second

// engine is every long-lived component of a running server.
type engine struct {
	deps api.Deps
	wg   sync.WaitGroup
}

// newCodec picks the at-rest format from the storage settings.
func newCodec(cfg types.StorageConfig) (*codec.Codec, error) {
	if cfg.DisableEncryption {
		tool.DefaultLogger.Warn("Filesystem encryption is disabled, objects are stored in the clear")
		return codec.NewPassthrough(), nil
	}
	return codec.New(cfg.EncryptionKey)
}

func newFilesystem(cfg types.StorageConfig, m *metrics.Metrics) (*storage.Filesystem, error) {
	c, err := newCodec(cfg)
	if err != nil {
		return nil, err
	}
	registry := tokens.NewRegistry(tokens.WithIssueHook(func(k tokens.Kind) {
		m.TokenIssued(k.String())
	}))
	return storage.NewFilesystem(storage.FilesystemConfig{
		UploadsDir: cfg.UploadsDir,
		TempDir:    cfg.TempDir,
	}, c, registry)
}

func s3Config(cfg types.S3Config) storage.S3Config {
	return storage.S3Config{
		Endpoint:       cfg.Endpoint,
		Port:           cfg.Port,
		UseSSL:         cfg.UseSSL,
		AccessKey:      cfg.AccessKey,
		SecretKey:      cfg.SecretKey,
		Region:         cfg.Region,
		Bucket:         cfg.Bucket,
		ForcePathStyle: cfg.ForcePathStyle,
	}
}

// admissionConfig resolves the download settings against this machine's
// memory. An unreadable /proc/meminfo disables auto-scaling.
func admissionConfig(cfg types.DownloadConfig) admission.Config {
	total, err := admission.TotalMemoryGB()
	if err != nil {
		tool.DefaultLogger.Warnf("Failed to read total memory, auto-scaling disabled: %v", err)
		total = 0
	}
	return admission.Resolve(admission.Overrides{
		MaxConcurrent:     cfg.MaxConcurrent,
		MemoryThresholdMB: cfg.MemoryThresholdMB,
		MaxQueueSize:      cfg.QueueSize,
		MinFileSizeGB:     cfg.MinFileSizeGB,
		AutoScale:         cfg.AutoScale,
	}, total)
}

// buildEngine wires storage, chunking, admission and metrics from cfg.
func buildEngine(ctx context.Context, cfg types.AppConfig) (*engine, error) {
	m := metrics.New()
	fs, err := newFilesystem(cfg.Storage, m)
	if err != nil {
		return nil, fmt.Errorf("filesystem storage: %w", err)
	}

	var s3 *storage.S3Storage
	if cfg.S3.Enabled {
		s3, err = storage.NewS3Storage(ctx, s3Config(cfg.S3))
		if err != nil {
			return nil, fmt.Errorf("s3 storage: %w", err)
		}
		verifyCtx, cancel := context.WithTimeout(ctx, s3VerifyTimeout)
		err = s3.Verify(verifyCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("s3 storage: %w", err)
		}
		tool.DefaultLogger.Infof("S3 storage enabled (bucket %s)", cfg.S3.Bucket)
	}

	reconstructor, err := chunks.New(fs.TempDir(), fs,
		chunks.WithRecorder(m),
		chunks.WithStrictSize(cfg.Uploads.StrictSize),
	)
	if err != nil {
		return nil, fmt.Errorf("chunk reconstructor: %w", err)
	}

	hub := queuehub.New()
	probe := admission.NewProcessMemory()
	adm, err := admission.New(admissionConfig(cfg.Download),
		admission.WithProbe(probe),
		admission.WithObserver(m),
		admission.WithObserver(hub),
	)
	if err != nil {
		reconstructor.Close()
		return nil, err
	}
	m.WatchMemory(probe.UsageMB)

	return &engine{deps: api.Deps{
		Filesystem:    fs,
		S3:            s3,
		Reconstructor: reconstructor,
		Admission:     adm,
		Metrics:       m,
		Hub:           hub,
	}}, nil
}

// run starts the background sweeps. They stop when ctx ends.
func (e *engine) run(ctx context.Context) {
	loops := []func(context.Context){
		e.deps.Filesystem.Tokens().Run,
		e.deps.Filesystem.RunCleanup,
		e.deps.Reconstructor.Run,
		e.deps.Admission.Run,
	}
	for _, loop := range loops {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			loop(ctx)
		}()
	}
}

// close waits for the sweeps and drops remaining sessions and queue entries.
func (e *engine) close() {
	e.wg.Wait()
	e.deps.Admission.Close()
	e.deps.Reconstructor.Close()
}
