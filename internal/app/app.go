package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/florianilch/stringart-drive/internal/gateway"
	"github.com/florianilch/stringart-drive/internal/identity"
)

// App orchestrates the lifecycle of the session, the gateway and related services.
type App struct {
	cfg     *Config
	auth    *Auth
	gateway *gateway.Gateway
}

// New creates a new App instance.
func New(cfg *Config, opts ...identity.Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// I/O deferred to Start
	auth, err := OpenAuth(cfg.Auth, opts...)
	if err != nil {
		return nil, err
	}

	gw, err := gateway.New(auth.Manager, gateway.WithBaseURL(cfg.Upstream.BaseURL))
	if err != nil {
		_ = auth.Close()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	return &App{
		cfg:     cfg,
		auth:    auth,
		gateway: gw,
	}, nil
}

// Start restores the session, starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
	shutdownFuncs := []func(context.Context) error{
		func(context.Context) error { return a.auth.Close() },
	}

	// Startup phase: Start services
	if err := a.auth.Manager.Initialize(gCtx); err != nil {
		return errors.Join(fmt.Errorf("session restore failed: %w", err), a.auth.Close())
	}
	a.auth.Manager.OnSessionExpired(func() {
		slog.Warn("session expired, run `stringart login` to sign in again")
	})
	if !a.auth.Manager.IsSignedIn() {
		slog.WarnContext(gCtx, "not signed in, API requests will be rejected until `stringart login` succeeds")
	}

	if a.cfg.Health.Schedule != "none" {
		stopProbe, err := a.startHealthProbe(gCtx)
		if err != nil {
			return errors.Join(err, a.auth.Close())
		}
		shutdownFuncs = append(shutdownFuncs, stopProbe)
	}

	slog.InfoContext(gCtx, "starting gateway", "address", address)
	gatewayErrCh, err := a.gateway.Start(gCtx, address)
	if err != nil {
		return errors.Join(fmt.Errorf("gateway startup failed: %w", err), a.shutdown(shutdownFuncs))
	}
	shutdownFuncs = append(shutdownFuncs, a.gateway.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-gatewayErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "gateway runtime error", "error", err)
				return fmt.Errorf("gateway: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}
	if err := a.shutdown(shutdownFuncs); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}

// shutdown runs shutdownFuncs in reverse order within the configured timeout.
func (a *App) shutdown(shutdownFuncs []func(context.Context) error) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// startHealthProbe periodically checks that a signed-in session still has a
// renewal pending and restarts renewal if it does not.
func (a *App) startHealthProbe(ctx context.Context) (func(context.Context) error, error) {
	c := cron.New(cron.WithLogger(cronLogger{slog.Default()}), cron.WithChain(cron.SkipIfStillRunning(cronLogger{slog.Default()})))
	if _, err := c.AddFunc(a.cfg.Health.Schedule, func() { a.probe(ctx) }); err != nil {
		return nil, fmt.Errorf("invalid health schedule: %w", err)
	}
	c.Start()

	return func(shutdownCtx context.Context) error {
		select {
		case <-c.Stop().Done():
			return nil
		case <-shutdownCtx.Done():
			return fmt.Errorf("health probe: %w", shutdownCtx.Err())
		}
	}, nil
}

func (a *App) probe(ctx context.Context) {
	st := a.auth.Manager.Status()
	switch {
	case !st.SignedIn:
		slog.DebugContext(ctx, "health probe: not signed in")
	case st.RefreshScheduled || st.Refreshing:
		slog.DebugContext(ctx, "health probe: session healthy", "expires_in", st.TimeUntilExpiry, "refresh_at", st.ScheduledRefresh)
	default:
		slog.WarnContext(ctx, "health probe: no renewal pending, refreshing now", "expires_in", st.TimeUntilExpiry)
		if _, err := a.auth.Manager.RefreshSilently(ctx); err != nil {
			slog.ErrorContext(ctx, "health probe: refresh failed", "error", err)
		}
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

// Compile-time check that cronLogger implements cron.Logger
var _ cron.Logger = cronLogger{}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
