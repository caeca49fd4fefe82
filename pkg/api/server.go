// Package api provides the REST API server for sheetscan
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/james-see/sheetscan/pkg/config"
	"github.com/james-see/sheetscan/pkg/imageprep"
	"github.com/james-see/sheetscan/pkg/logger"
	"github.com/james-see/sheetscan/pkg/notation"
	"github.com/james-see/sheetscan/pkg/session"
	"github.com/james-see/sheetscan/pkg/vision"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// @title Sheetscan API
// @version 1.0
// @description Transcribe photographed sheet music into ABC notation, transpose it and export MIDI
// @host localhost:8080
// @BasePath /api/v1

const shutdownTimeout = 10 * time.Second

// Options wires the server's collaborators. Nil fields get defaults, except
// Provider which is required.
type Options struct {
	Provider    vision.Provider
	Preparer    *imageprep.Preparer
	Sessions    *session.Store
	Compiler    *notation.Compiler
	MIDI        *notation.MIDIExporter
	Logger      logger.Logger
	CORSOrigins []string
	RateLimit   string // limiter format such as "20-M"; empty disables
}

// Server holds the handlers' shared state
type Server struct {
	provider  vision.Provider
	preparer  *imageprep.Preparer
	sessions  *session.Store
	compiler  *notation.Compiler
	midi      *notation.MIDIExporter
	log       logger.Logger
	origins   map[string]bool
	anyOrigin bool
	analyzeRL gin.HandlerFunc
}

// NewServer validates opts and builds a server
func NewServer(opts Options) (*Server, error) {
	if opts.Provider == nil {
		return nil, errors.New("api: a vision provider is required")
	}
	s := &Server{
		provider: opts.Provider,
		preparer: opts.Preparer,
		sessions: opts.Sessions,
		compiler: opts.Compiler,
		midi:     opts.MIDI,
		log:      opts.Logger,
		origins:  make(map[string]bool),
	}
	if s.preparer == nil {
		s.preparer = imageprep.New()
	}
	if s.sessions == nil {
		s.sessions = session.NewStore(0, 0)
	}
	if s.compiler == nil {
		s.compiler = notation.NewCompiler(notation.CompileOptions{})
	}
	if s.midi == nil {
		s.midi = notation.NewMIDIExporter()
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	s.log = s.log.With("component", "api")

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	for _, o := range origins {
		if o == "*" {
			s.anyOrigin = true
		}
		s.origins[o] = true
	}

	if opts.RateLimit != "" {
		rate, err := limiter.NewRateFromFormatted(opts.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("api: invalid rate limit %q: %w", opts.RateLimit, err)
		}
		s.analyzeRL = mgin.NewMiddleware(
			limiter.New(memory.NewStore(), rate),
			mgin.WithLimitReachedHandler(func(c *gin.Context) {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded, retry later"})
			}),
		)
	}
	return s, nil
}

// FromConfig builds a server from loaded settings
func FromConfig(cfg *config.Config, provider vision.Provider, log logger.Logger) (*Server, error) {
	return NewServer(Options{
		Provider: provider,
		Preparer: &imageprep.Preparer{
			MaxWidth:  cfg.Image.MaxWidth,
			Quality:   cfg.Image.Quality,
			MaxBytes:  cfg.Image.MaxBytes,
			MaxPixels: cfg.Image.MaxPixels,
		},
		Sessions: session.NewStore(cfg.Session.Capacity, cfg.Session.TTL),
		Compiler: notation.NewCompiler(notation.CompileOptions{
			DefaultTitle: cfg.Notation.DefaultTitle,
			StaffWidth:   cfg.Notation.StaffWidth,
		}),
		Logger:      log,
		CORSOrigins: cfg.Server.CORSOrigins,
		RateLimit:   cfg.Server.RateLimit,
	})
}

// Router assembles the gin engine
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(s.corsMiddleware())

	// Health check
	r.GET("/health", healthCheck)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", healthCheck)
		v1.GET("/instruments", listInstruments)

		analyze := []gin.HandlerFunc{s.handleAnalyze}
		if s.analyzeRL != nil {
			analyze = append([]gin.HandlerFunc{s.analyzeRL}, analyze...)
		}
		v1.POST("/analyze", analyze...)

		v1.GET("/sessions/:id", s.handleGetSession)
		v1.DELETE("/sessions/:id", s.handleDeleteSession)
		v1.PUT("/sessions/:id/metadata", s.handleUpdateMetadata)
		v1.POST("/sessions/:id/render", s.handleRender)
		v1.GET("/sessions/:id/midi", s.handleSessionMIDI)

		v1.POST("/compile", s.handleCompile)
		v1.POST("/transpose", handleTranspose)
	}

	// Swagger docs
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then drains
// in-flight requests
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	s.log.Info("listening", "addr", addr, "docs", "/swagger/index.html")

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api: shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case s.anyOrigin:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && s.origins[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"latency", time.Since(start).Round(time.Microsecond).String(),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "err", c.Errors.String())
		}
		switch {
		case status >= http.StatusInternalServerError:
			s.log.Error("request", fields...)
		case status >= http.StatusBadRequest:
			s.log.Warn("request", fields...)
		default:
			s.log.Info("request", fields...)
		}
	}
}
