// Package gateway wires the long-running process: platform adapters, the
// moderation pipelines behind them, scheduled jobs and the metrics endpoint.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/stellarlinkco/nexus/internal/assist"
	"github.com/stellarlinkco/nexus/internal/bus"
	"github.com/stellarlinkco/nexus/internal/channel"
	"github.com/stellarlinkco/nexus/internal/config"
	"github.com/stellarlinkco/nexus/internal/cron"
	"github.com/stellarlinkco/nexus/internal/decision"
	"github.com/stellarlinkco/nexus/internal/dedupe"
	"github.com/stellarlinkco/nexus/internal/moderation"
	"github.com/stellarlinkco/nexus/internal/provider"
	"github.com/stellarlinkco/nexus/internal/ring"
	"github.com/stellarlinkco/nexus/internal/store"
)

const (
	busBufferSize       = 256
	healthcheckJobName  = "provider-healthcheck"
	dedupeMemCapacity   = 100_000
	shutdownGracePeriod = 10 * time.Second
)

// Handler moderates one message.
type Handler interface {
	Handle(ctx context.Context, msg moderation.Message) (moderation.Result, error)
}

// ProviderFactory builds the text generation backend.
type ProviderFactory func(cfg config.ProviderConfig, logger *slog.Logger) (provider.Provider, error)

// Options for creating a Gateway
type Options struct {
	ProviderFactory ProviderFactory
	Logger          *slog.Logger
	SignalChan      chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *bus.MessageBus
	store     *store.Store
	provider  provider.Provider
	engine    *decision.Engine
	recent    *ring.Ring
	guard     dedupe.Guard
	screener  *moderation.Screener
	assistant *assist.Assistant
	channels  *channel.ChannelManager
	pipelines map[string]Handler
	cron      *cron.Service
	metrics   *metricsServer

	mu         sync.Mutex
	loop       *loopState
	inflight   sync.WaitGroup
	signalChan chan os.Signal
}

// loopState tracks a running processLoop. Handlers run on their own context
// so cancelling the loop does not abort a run that is already enforcing.
type loopState struct {
	stop           context.CancelFunc
	cancelHandlers context.CancelFunc
	done           chan struct{}
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (_ *Gateway, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:        cfg,
		logger:     logger.With("component", "gateway"),
		bus:        bus.NewMessageBus(busBufferSize),
		pipelines:  make(map[string]Handler),
		signalChan: opts.SignalChan,
	}
	defer func() {
		if err != nil {
			g.closeResources()
		}
	}()

	dsn := cfg.Database.URL
	if dsn == "" {
		dsn = config.DefaultDatabasePath()
	}
	if g.store, err = store.Open(dsn); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	factory := opts.ProviderFactory
	if factory == nil {
		factory = provider.New
	}
	if g.provider, err = factory(cfg.Provider, logger); err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}
	g.engine = decision.NewEngine(g.provider, cfg.Provider.MaxTokens, logger)

	if g.recent, err = ring.New(cfg.Moderation.RingChannels); err != nil {
		return nil, fmt.Errorf("create recent message ring: %w", err)
	}

	ttl := time.Duration(cfg.Dedupe.TTLSeconds) * time.Second
	if cfg.Dedupe.RedisURL != "" {
		rg, err := dedupe.NewRedisGuard(cfg.Dedupe.RedisURL, ttl)
		if err != nil {
			return nil, fmt.Errorf("connect dedupe redis: %w", err)
		}
		g.guard = rg
	} else {
		g.guard = dedupe.NewMemGuard(dedupeMemCapacity, ttl)
	}

	g.assistant = assist.New(cfg.ServerName, g.engine, g.store, g.recent, logger)

	g.channels, err = channel.NewChannelManager(cfg.Channels, channel.Deps{
		Bus:    g.bus,
		Recent: g.recent,
		Asker:  g.assistant,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create channel manager: %w", err)
	}

	g.screener = moderation.NewScreener(cfg.Moderation.CustomFlaggedWords)
	for _, name := range g.channels.EnabledChannels() {
		adapter, _ := g.channels.Adapter(name)
		g.pipelines[name] = g.newPipeline(name, adapter, logger)
	}

	g.cron = cron.NewService(logger)
	if err = g.cron.AddJob(healthcheckJobName, cfg.Gateway.HealthcheckSchedule, g.healthcheck); err != nil {
		return nil, fmt.Errorf("schedule healthcheck: %w", err)
	}

	if cfg.Gateway.MetricsAddr != "" {
		g.metrics = newMetricsServer(cfg.Gateway.MetricsAddr, g.ready, g.logger)
	}

	return g, nil
}

// Target is the platform side of a pipeline.
type Target interface {
	moderation.Enforcer
	moderation.Notifier
}

func (g *Gateway) newPipeline(name string, target Target, logger *slog.Logger) *moderation.Pipeline {
	cfg := g.cfg.Moderation
	return moderation.NewPipeline(moderation.Config{
		ServerName:          g.cfg.ServerName,
		RulesText:           cfg.RulesText,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		MuteRoleID:          cfg.MuteRoleID,
		StaffChannelID:      cfg.StaffLogChannelID,
	}, moderation.Deps{
		Screener: g.screener,
		Judge:    g.engine,
		Profiles: g.store,
		Recent:   g.recent,
		Enforcer: target,
		Notifier: target,
		Dedupe:   g.guard,
		Logger:   logger.With("channel", name),
	})
}

// healthcheck records whether the provider is usable. An unhealthy provider
// is reported, not treated as a job failure.
func (g *Gateway) healthcheck(ctx context.Context) error {
	healthy := g.provider.Healthcheck()
	if healthy {
		providerHealthy.Set(1)
	} else {
		providerHealthy.Set(0)
	}
	g.logger.Info("gateway.healthcheck", "provider", g.provider.Name(), "healthy", healthy)
	if err := g.store.Ping(ctx); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	return nil
}

func (g *Gateway) ready(ctx context.Context) error {
	return g.store.Ping(ctx)
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if g.metrics != nil {
		go g.metrics.serve()
	}

	if err := g.channels.StartAll(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Info("gateway.channels_started", "channels", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		g.logger.Warn("gateway.cron_start_failed", "err", err)
	}
	if err := g.cron.RunNow(healthcheckJobName); err != nil {
		g.logger.Warn("gateway.healthcheck_failed", "err", err)
	}

	g.startProcessing(ctx)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.logger.Info("gateway.shutting_down")
	cancel()
	return g.Shutdown()
}

// startProcessing runs processLoop until ctx ends or Shutdown stops it.
func (g *Gateway) startProcessing(ctx context.Context) {
	loopCtx, stop := context.WithCancel(ctx)
	handleCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	l := &loopState{stop: stop, cancelHandlers: cancelHandlers, done: make(chan struct{})}

	g.mu.Lock()
	g.loop = l
	g.mu.Unlock()

	go func() {
		defer close(l.done)
		g.processLoop(loopCtx, handleCtx)
	}()
}

// processLoop hands every inbound message to its own goroutine. It returns
// once ctx is done; messages still buffered on the bus are left unhandled.
func (g *Gateway) processLoop(ctx, handleCtx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-g.bus.Inbound:
			if ctx.Err() != nil {
				g.logger.Debug("gateway.inbound_dropped", "session", msg.SessionKey())
				return
			}
			g.inflight.Add(1)
			go func() {
				defer g.inflight.Done()
				g.handle(handleCtx, msg)
			}()
		}
	}
}

// stopProcessing stops processLoop and waits for it to return, so no handler
// is started after the caller begins waiting on inflight.
func (g *Gateway) stopProcessing() *loopState {
	g.mu.Lock()
	l := g.loop
	g.loop = nil
	g.mu.Unlock()
	if l == nil {
		return nil
	}
	l.stop()
	<-l.done
	return l
}

func (g *Gateway) handle(ctx context.Context, in bus.InboundMessage) {
	h, ok := g.pipelines[in.Channel]
	if !ok {
		g.logger.Warn("gateway.no_pipeline", "channel", in.Channel)
		return
	}
	res, err := h.Handle(ctx, in.Message)
	if err != nil {
		g.logger.Error("gateway.moderation_failed",
			"session", in.SessionKey(),
			"message_id", in.Message.ID,
			"err", err,
		)
		return
	}
	g.logger.Debug("gateway.moderated", "session", in.SessionKey(), "stage", res.Stage)
}

// Shutdown stops adapters and jobs, waits for in-flight moderation runs and
// releases resources.
func (g *Gateway) Shutdown() error {
	if g.channels != nil {
		_ = g.channels.StopAll()
	}
	if g.cron != nil {
		g.cron.Stop()
	}
	loop := g.stopProcessing()

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGracePeriod):
		g.logger.Warn("gateway.shutdown_timeout")
	}
	if loop != nil {
		loop.cancelHandlers()
	}

	var errs []error
	if g.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, g.metrics.shutdown(ctx))
		cancel()
	}
	errs = append(errs, g.closeResources())
	g.logger.Info("gateway.shutdown_complete")
	return errors.Join(errs...)
}

func (g *Gateway) closeResources() error {
	var errs []error
	if c, ok := g.provider.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := g.guard.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if g.store != nil {
		errs = append(errs, g.store.Close())
		g.store = nil
	}
	return errors.Join(errs...)
}
