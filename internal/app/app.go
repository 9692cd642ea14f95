package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/companion/internal/backend"
	"github.com/ent0n29/companion/internal/bridge"
	"github.com/ent0n29/companion/internal/config"
	"github.com/ent0n29/companion/internal/httpapi"
	"github.com/ent0n29/companion/internal/integrations"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/reliability"
	"github.com/ent0n29/companion/internal/session"
	"github.com/ent0n29/companion/internal/transcript"
	"github.com/ent0n29/companion/internal/voice"
)

// App is the fully wired companion controller.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Backend      *backend.Client
	Pages        *session.Registry
	Hub          *bridge.Hub
	MockDevice   *voice.MockDevice
	Session      *voice.Session
	Coordinator  *voice.Coordinator
	Transcript   *transcript.Store
	Integrations *integrations.Poller
	API          *httpapi.Server
	DeviceDetail string

	baseCtx context.Context
}

// Build wires every component from cfg. A nil metrics registers on the
// default Prometheus registry.
func Build(cfg config.Config, logger *zap.Logger, metrics *observability.Metrics) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}
	clk := clock.New()

	client, err := backend.New(backend.Options{
		BaseURL:         cfg.BackendBaseURL,
		AuthToken:       cfg.BackendAuthToken,
		ChatTimeout:     cfg.ChatTimeout,
		RequestTimeout:  cfg.RequestTimeout,
		ChatMaxAttempts: cfg.ChatMaxAttempts,
		ChatBackoffStep: cfg.ChatBackoffStep,
	}, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("backend client init failed: %w", err)
	}

	emotions := voice.DefaultEmotionTable()
	if path := strings.TrimSpace(cfg.EmotionTablePath); path != "" {
		emotions, err = voice.LoadEmotionTable(path)
		if err != nil {
			return nil, err
		}
	}

	pages := session.NewRegistry(cfg.PageInactivityTimeout, clk)
	devices, err := resolveDevices(cfg, pages, clk, logger, metrics)
	if err != nil {
		return nil, err
	}
	pages.SetExpireHook(func(p *session.Page) {
		logger.Info("bridge page expired", zap.String("page_id", p.ID))
		metrics.BridgePages.Set(float64(pages.ActiveCount()))
		if devices.hub != nil {
			devices.hub.Drop(p.ID)
		}
	})

	sess := voice.NewSession(devices.recognition, voice.SessionOptions{
		Clock: clk,
		RestartPolicy: reliability.RestartPolicy{
			Delay:       cfg.RestartDelay,
			MaxAttempts: cfg.RestartMaxAttempts,
			BackoffCap:  cfg.TerminalBackoffCap,
			Classify:    voice.ClassifyDeviceError,
		},
		ProbeTimeout: cfg.ProbeTimeout,
		StartMuted:   cfg.StartMuted,
	}, logger, metrics)

	speech := voice.NewSpeechOutput(devices.speech, sess, emotions, cfg.TTSEnabled, logger, metrics)
	batcher := voice.NewBatcher(voice.BatcherOptions{
		Clock:            clk,
		SilenceWindow:    cfg.SilenceWindow,
		ContinuationHold: cfg.ContinuationHold,
		MinChars:         cfg.MinUtteranceChars,
		MinConfidence:    cfg.MinUtteranceConfidence,
	}, logger, metrics)
	store := transcript.NewStore(cfg.TranscriptSize, logger)

	a := &App{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Backend:      client,
		Pages:        pages,
		Hub:          devices.hub,
		MockDevice:   devices.mock,
		Session:      sess,
		Transcript:   store,
		DeviceDetail: devices.detail,
		baseCtx:      context.Background(),
	}

	a.Coordinator = voice.NewCoordinator(voice.CoordinatorOptions{
		Session:    sess,
		Batcher:    batcher,
		Speech:     speech,
		Chat:       client,
		Transcript: store,
		OnInterim:  a.sendInterim,
		OnExchange: a.sendExchange,
		OnError:    a.reportError,
	}, logger, metrics)
	sess.SetStateHandler(a.sendState)

	a.Integrations = integrations.NewPoller(client, integrations.Options{
		Interval: cfg.IntegrationsPollInterval,
		Clock:    clk,
	}, logger, metrics)

	deps := httpapi.Deps{
		Voice:        a.Coordinator,
		Backend:      client,
		Pages:        pages,
		Transcript:   store,
		Integrations: a.Integrations,
		Emotions:     emotions,
	}
	if devices.hub != nil {
		deps.Bridge = devices.hub
		a.wireBridge(devices.hub)
	}
	a.API = httpapi.New(cfg, deps, logger, metrics)

	logger.Info("companion wired",
		zap.String("device_mode", devices.mode),
		zap.String("devices", devices.detail),
		zap.String("backend", client.BaseURL()),
		zap.Bool("tts_enabled", cfg.TTSEnabled),
		zap.Int("emotion_tags", len(emotions)),
	)
	return a, nil
}

// Run listens on the configured address and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Config.BindAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.Config.BindAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the voice loop, background pollers and the HTTP API on ln until
// ctx is done or one of them fails, then shuts everything down.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	a.baseCtx = gctx

	srv := &http.Server{
		Handler:           a.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Bridge connections are hijacked; they end when this context does.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error { return a.Session.Run(gctx) })
	g.Go(func() error { return a.Coordinator.Run(gctx) })
	g.Go(func() error { return a.Pages.RunJanitor(gctx, janitorInterval(a.Config.PageInactivityTimeout)) })
	g.Go(func() error { return a.Integrations.Run(gctx) })
	g.Go(func() error {
		a.Logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("http shutdown incomplete", zap.Error(err))
		}
		return nil
	})

	if a.Config.AutoStartListening && a.Hub == nil {
		g.Go(func() error {
			a.startListening("startup")
			return nil
		})
	}

	err := g.Wait()
	a.Logger.Info("companion stopped", zap.Error(err))
	return err
}

func janitorInterval(inactivity time.Duration) time.Duration {
	d := inactivity / 4
	if d < time.Second {
		d = time.Second
	}
	return d
}

// startListening starts the voice session and reports failures to the page.
func (a *App) startListening(reason string) {
	ctx, cancel := context.WithTimeout(a.baseCtx, a.Config.ProbeTimeout+time.Second)
	defer cancel()
	if err := a.Coordinator.Start(ctx); err != nil {
		if a.baseCtx.Err() != nil {
			return
		}
		a.Logger.Warn("voice start failed", zap.String("reason", reason), zap.Error(err))
		a.reportError(err)
	}
}
