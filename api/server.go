package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/moyoez/vaultdrop/admission"
	"github.com/moyoez/vaultdrop/api/controllers"
	"github.com/moyoez/vaultdrop/api/middlewares"
	"github.com/moyoez/vaultdrop/api/queuehub"
	"github.com/moyoez/vaultdrop/chunks"
	"github.com/moyoez/vaultdrop/metrics"
	"github.com/moyoez/vaultdrop/storage"
	"github.com/moyoez/vaultdrop/tool"
	"github.com/moyoez/vaultdrop/types"
)

// Deps are the engine components the HTTP surface is built on. S3 and Hub
// may be nil.
type Deps struct {
	Filesystem    *storage.Filesystem
	S3            *storage.S3Storage
	Reconstructor *chunks.Reconstructor
	Admission     *admission.Controller
	Metrics       *metrics.Metrics
	Hub           *queuehub.Hub
}

// Server represents the HTTP API server of the transfer engine
type Server struct {
	cfg    types.ServerConfig
	ttl    time.Duration
	deps   Deps
	engine *gin.Engine
	server *http.Server
	mu     sync.RWMutex
}

// NewServer builds the routes. Call Start to listen.
func NewServer(cfg types.AppConfig, deps Deps) (*Server, error) {
	if deps.Filesystem == nil || deps.Reconstructor == nil || deps.Admission == nil {
		return nil, errors.New("filesystem, reconstructor and admission controller are required")
	}
	s := &Server{
		cfg:  cfg.Server,
		ttl:  time.Duration(cfg.Storage.PresignedURLExpiration) * time.Second,
		deps: deps,
	}
	s.engine = s.setupRoutes()
	return s, nil
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// provider is the backend presigned URLs are minted from.
func (s *Server) provider() storage.Provider {
	if s.deps.S3 != nil {
		return s.deps.S3
	}
	return s.deps.Filesystem
}

func (s *Server) setupRoutes() *gin.Engine {
	if tool.DefaultLogger.GetLevel() == log.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery())
	engine.Use(middlewares.AllowAllCORS())
	// ClientIP must come from the socket for OnlyAllowLocal to mean anything
	_ = engine.SetTrustedProxies(nil)

	transferCtrl := controllers.NewTransferController(s.deps.Filesystem, s.deps.Reconstructor, s.deps.Admission, s.deps.Metrics, s.cfg.PublicURL)
	queueCtrl := controllers.NewQueueController(s.deps.Admission)
	storageCtrl := controllers.NewStorageController(s.provider(), s.ttl)

	fs := engine.Group("/api/filesystem")
	{
		fs.PUT("/upload/:token", transferCtrl.HandleUpload)
		fs.GET("/download/:token", transferCtrl.HandleDownload)
		fs.GET("/download/:token/qr", transferCtrl.HandleDownloadQR)
		fs.GET("/upload-progress/:fileId", transferCtrl.HandleUploadProgress)
		fs.DELETE("/cancel-upload/:fileId", transferCtrl.HandleCancelUpload)

		fs.GET("/download-queue/status", queueCtrl.HandleStatus)
		fs.DELETE("/download-queue/:downloadId", queueCtrl.HandleCancel)
		fs.DELETE("/download-queue", middlewares.OnlyAllowLocal, queueCtrl.HandleClear)
		if s.deps.Hub != nil {
			fs.GET("/download-queue/ws", middlewares.OnlyAllowLocal, queuehub.HandleQueueWS(s.deps.Hub, s.deps.Admission.Status))
		}
	}
	local := engine.Group("/api/storage", middlewares.OnlyAllowLocal)
	{
		local.POST("/presign", storageCtrl.HandlePresign)
		local.DELETE("/objects/*name", storageCtrl.HandleDelete)
	}
	if s.deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
	return engine
}

// Start starts the HTTP server and blocks until it stops. A server stopped
// by Shutdown returns nil.
func (s *Server) Start() error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 30 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	address := fmt.Sprintf("%s://0.0.0.0:%d", s.cfg.Protocol, s.cfg.Port)
	tool.DefaultLogger.Infof("Starting API server on %s", address)

	var err error
	if s.cfg.Protocol == "https" {
		cert, changed, certErr := tool.GetOrCreateTLSCert(&s.cfg)
		if certErr != nil {
			return fmt.Errorf("failed to get TLS certificate: %w", certErr)
		}
		if changed {
			s.persistCert()
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		tool.DefaultLogger.Infof("TLS certificate configured for HTTPS")
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// persistCert writes a freshly generated certificate back to the config file
// so the fingerprint survives restarts.
func (s *Server) persistCert() {
	if err := tool.PersistCert(tool.ConfigPath, s.cfg.CertPEM, s.cfg.KeyPEM); err != nil {
		tool.DefaultLogger.Warnf("Failed to save TLS certificate to config: %v", err)
	}
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
