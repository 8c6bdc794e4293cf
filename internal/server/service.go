package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/convergectl/internal/artifacts"
	"github.com/danmuck/convergectl/internal/history"
	"github.com/danmuck/convergectl/internal/logging"
	"github.com/danmuck/convergectl/internal/loop"
	"github.com/danmuck/convergectl/internal/observability"
	"github.com/danmuck/convergectl/internal/reconcile"
	"github.com/danmuck/convergectl/internal/surface"
	"github.com/danmuck/convergectl/internal/tools"
	"github.com/danmuck/convergectl/internal/watch"
	"github.com/gin-gonic/gin"
)

// pruneInterval spaces history retention passes.
const pruneInterval = time.Hour

// Service is the runtime context object shared by HTTP handlers, signal
// handlers and scheduled tasks.
type Service struct {
	cfg        Config
	target     surface.Surface
	store      history.Store
	reconciler *reconcile.Reconciler
	loop       *loop.Loop
	watcher    *watch.Watcher
	router     *gin.Engine
	started    time.Time
}

type Option func(*Service)

// WithSurface overrides the surface built from Config.Surface.
func WithSurface(target surface.Surface) Option {
	return func(s *Service) { s.target = target }
}

// WithStore overrides the history store built from Config.History.
func WithStore(store history.Store) Option {
	return func(s *Service) { s.store = store }
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{cfg: cfg, started: time.Now()}
	for _, opt := range opts {
		opt(s)
	}
	if s.target == nil {
		s.target = newSurface(cfg.Surface)
	}
	if s.store == nil {
		store, err := newStore(cfg)
		if err != nil {
			return nil, err
		}
		s.store = store
	}

	s.loop = loop.New(cfg.QueueSize)
	rcOpts := []reconcile.Option{
		reconcile.WithScheduler(s.loop),
		reconcile.WithArchiver(s.store),
	}
	if err := os.MkdirAll(cfg.Repo, 0o755); err != nil {
		return nil, fmt.Errorf("server: create repo %s: %w", cfg.Repo, err)
	}
	repo := &artifacts.Repository{Root: cfg.Repo, OutDir: filepath.Join(cfg.Repo, ".packages")}
	rcOpts = append(rcOpts, reconcile.WithPublisher(artifacts.NewPublisher(repo, cfg.ArtifactVersion)))
	rc, err := reconcile.New(s.target, reconcile.Config{
		ArtifactVersion: cfg.ArtifactVersion,
		HistoryLimit:    cfg.HistoryLimit,
	}, rcOpts...)
	if err != nil {
		return nil, err
	}
	s.reconciler = rc

	if path := strings.TrimSpace(cfg.Watch.TopologyFile); path != "" {
		w, err := watch.New(watch.Config{Path: path, Debounce: cfg.Watch.Debounce}, s.submitFromWatch)
		if err != nil {
			return nil, err
		}
		s.watcher = w
	}

	s.router = s.newRouter()
	return s, nil
}

func newSurface(cfg SurfaceConfig) surface.Surface {
	switch cfg.Kind {
	case SurfaceMemory:
		return surface.NewMemory()
	case SurfaceSSH:
		return surface.NewCommand(tools.SSHRunner{
			Host:                        cfg.SSHHost,
			Port:                        cfg.SSHPort,
			User:                        cfg.SSHUser,
			KeyPath:                     cfg.SSHKeyPath,
			KnownHostsPath:              cfg.SSHKnownHostsPath,
			InsecureSkipHostKeyChecking: cfg.SSHInsecureSkipHostKeyCheck,
			Timeout:                     cfg.SSHTimeout,
		}, cfg.Binary)
	default:
		return surface.NewCommand(tools.ExecRunner{}, cfg.Binary)
	}
}

func newStore(cfg Config) (history.Store, error) {
	if cfg.History.Backend == HistoryBadger {
		return history.OpenBadger(history.BadgerConfig{Path: cfg.History.Path, SyncWrites: true})
	}
	return history.NewMemory(cfg.HistoryLimit), nil
}

func (s *Service) Handler() http.Handler {
	return s.router
}

func (s *Service) Reconciler() *reconcile.Reconciler {
	return s.reconciler
}

// TriggerReconcile enqueues one reconciliation pass.
func (s *Service) TriggerReconcile() bool {
	return s.loop.Enqueue(s.reconciler.Task())
}

// Run listens on ListenAddr and blocks until SIGINT or SIGTERM. SIGHUP forces
// a reconciliation pass.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, hup)
}

// Serve runs the service on ln until ctx ends. Each value on hup triggers a
// reconciliation pass.
func (s *Service) Serve(ctx context.Context, ln net.Listener, hup <-chan os.Signal) error {
	if err := writePidFile(s.cfg.PidFile); err != nil {
		ln.Close()
		return err
	}
	defer removePidFile(s.cfg.PidFile)

	loopDone := make(chan error, 1)
	go func() { loopDone <- s.loop.Run(context.Background()) }()

	bg, cancelBG := context.WithCancel(ctx)
	defer cancelBG()
	if s.watcher != nil {
		go func() {
			if err := s.watcher.Run(bg); err != nil {
				logging.Errf("server.Service.Serve watcher err=%q", err.Error())
			}
		}()
	}
	go loop.Every(bg, s.cfg.ReconcileInterval, s.loop, s.reconciler.Task())
	if s.cfg.History.Retention > 0 {
		s.loop.Enqueue(s.pruneHistory)
		go loop.Every(bg, pruneInterval, s.loop, s.pruneHistory)
	}
	s.TriggerReconcile()

	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	logging.Warnf("server.Service.Serve listening addr=%q", ln.Addr().String())

	var runErr error
wait:
	for {
		select {
		case <-ctx.Done():
			logging.Warnf("server.Service.Serve shutdown requested")
			break wait
		case <-hup:
			logging.Infof("server.Service.Serve SIGHUP forcing reconcile")
			s.TriggerReconcile()
		case err := <-serveErr:
			if !errors.Is(err, http.ErrServerClosed) {
				runErr = err
			}
			break wait
		}
	}
	cancelBG()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		logging.Warnf("server.Service.Serve http shutdown err=%q", err.Error())
	}
	if err := s.loop.Shutdown(s.cfg.ShutdownGrace); err != nil {
		logging.Warnf("server.Service.Serve loop shutdown err=%q", err.Error())
	} else {
		<-loopDone
	}
	if err := s.store.Close(); err != nil {
		logging.Warnf("server.Service.Serve history close err=%q", err.Error())
	}
	return runErr
}

// pruneHistory drops archived plans older than the configured retention.
func (s *Service) pruneHistory(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.History.Retention)
	removed, err := s.store.Prune(ctx, cutoff)
	if err != nil {
		logging.Warnf("server.Service.pruneHistory err=%q", err.Error())
		return
	}
	if removed > 0 {
		logging.Infof("server.Service.pruneHistory removed=%d cutoff=%q", removed, cutoff.UTC().Format(time.RFC3339))
	}
}

func writePidFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func removePidFile(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warnf("server.removePidFile path=%q err=%q", path, err.Error())
	}
}

func (s *Service) newRouter() *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		observability.RequestID(),
		observability.RequestLogger(*logging.Logger()),
		observability.RequestMetricsMiddleware(),
	)
	s.registerRoutes(router)
	return router
}
