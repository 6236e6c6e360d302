package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/kardianos/service"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zhaobenny/tokentracker/internal/pricing"
	"github.com/zhaobenny/tokentracker/server/internal/config"
	"github.com/zhaobenny/tokentracker/server/internal/database"
	"github.com/zhaobenny/tokentracker/server/internal/handlers"
	"github.com/zhaobenny/tokentracker/server/internal/metrics"
	"github.com/zhaobenny/tokentracker/server/internal/proxy"
)

var errBind = errors.New("cannot bind listening port")

func runServe(args []string) int {
	defaults := config.Default()
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var (
		port       int
		dbPath     string
		configPath string
		verbose    bool
	)
	fs.IntVar(&port, "port", defaults.Port, "Port to listen on (loopback only)")
	fs.StringVar(&dbPath, "db", defaults.DB, "SQLite database path")
	fs.StringVar(&configPath, "config", "", "Optional YAML config file")
	fs.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	// Flags given on the command line win over the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = port
		case "db":
			cfg.DB = dbPath
		case "verbose":
			cfg.Verbose = verbose
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		return 1
	}

	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	prg, err := newProgram(cfg, logger)
	if err != nil {
		logger.Error("Startup failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	svc, err := service.New(prg, &service.Config{
		Name:        "tokentracker-proxy",
		DisplayName: "TokenTracker Proxy",
		Description: "Records token usage of Anthropic API calls",
	})
	if err != nil {
		prg.shutdown()
		fmt.Fprintf(os.Stderr, "Error: failed to create service: %v\n", err)
		return 1
	}

	// Run blocks until SIGINT or SIGTERM, then calls Stop.
	if err := svc.Run(); err != nil {
		logger.Error("Service run failed", zap.Error(err))
		return 1
	}
	if prg.serveFailed.Load() {
		return 1
	}
	return 0
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// program implements service.Interface around the HTTP server.
type program struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *database.DB
	writer   *database.Writer
	listener net.Listener
	server   *http.Server

	serveFailed atomic.Bool
}

// newProgram acquires the startup resources. Failing to open the database or
// to bind the port is fatal.
func newProgram(cfg *config.Config, logger *zap.Logger) (*program, error) {
	dbPath, err := cfg.DBPath()
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	upstream, err := cfg.UpstreamURL()
	if err != nil {
		return nil, err
	}

	db, err := database.Open(dbPath)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Port))
	ln, err := listen(addr, cfg.BindRetries, cfg.BindRetryDelay, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	m := metrics.New()
	writer := database.NewWriter(db, logger.Named("writer"), m)
	p := proxy.New(proxy.Options{
		Upstream:              upstream,
		Provider:              cfg.Provider,
		CallerHeader:          cfg.CallerHeader,
		DialTimeout:           cfg.DialTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ReadTimeout:           cfg.UpstreamReadTimeout,
		Vocabulary:            cfg.Events,
		Pricing:               pricing.Default().WithOverrides(cfg.Pricing),
	}, writer, logger.Named("proxy"), m)

	server := &http.Server{
		Handler:           handlers.NewRouter(p, m, logger.Named("http")),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}

	logger.Info("TokenTracker proxy ready",
		zap.String("address", ln.Addr().String()),
		zap.String("upstream", upstream.String()),
		zap.String("db", dbPath),
		zap.String("version", version),
	)

	return &program{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		writer:   writer,
		listener: ln,
		server:   server,
	}, nil
}

func (p *program) Start(s service.Service) error {
	go func() {
		err := p.server.Serve(p.listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.serveFailed.Store(true)
			p.logger.Error("Server failed", zap.Error(err))
			// Wake service.Run so the process exits non-zero.
			if proc, err := os.FindProcess(os.Getpid()); err == nil {
				proc.Signal(os.Interrupt)
			}
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.logger.Info("Shutting down")
	p.shutdown()
	p.logger.Info("Shutdown complete")
	return nil
}

// shutdown stops accepting connections, waits for in-flight requests, drains
// the record queue and closes the database.
func (p *program) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
	defer cancel()

	if err := p.server.Shutdown(ctx); err != nil {
		p.logger.Warn("In-flight requests did not finish in time", zap.Error(err))
		p.server.Close()
	}
	p.listener.Close()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
	defer drainCancel()
	if err := p.writer.Close(drainCtx); err != nil {
		p.logger.Warn("Record queue not fully drained", zap.Error(err))
	}
	if err := p.db.Close(); err != nil {
		p.logger.Warn("Failed to close database", zap.Error(err))
	}
}

// listen binds addr, retrying a bounded number of times so a port released by
// a previous instance can be picked up.
func listen(addr string, attempts int, delay time.Duration, logger *zap.Logger) (net.Listener, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		logger.Warn("Bind failed",
			zap.String("address", addr),
			zap.Int("attempt", attempt),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		if attempt < attempts {
			time.Sleep(delay)
		}
	}
	return nil, fmt.Errorf("%w %s after %d attempts: %v", errBind, addr, attempts, lastErr)
}
