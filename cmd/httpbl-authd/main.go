package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/haukened/httpbl-authd/internal/httpbl/common/clock"
	"github.com/haukened/httpbl-authd/internal/httpbl/common/log"
	"github.com/haukened/httpbl-authd/internal/httpbl/config"
	"github.com/haukened/httpbl-authd/internal/httpbl/gateways/transport"
	"github.com/haukened/httpbl-authd/internal/httpbl/gateways/upstream"
	"github.com/haukened/httpbl-authd/internal/httpbl/gateways/wire"
	"github.com/haukened/httpbl-authd/internal/httpbl/services/reputation"
)

const (
	// Version information
	version = "0.1.0-dev"
	appName = "httpbl-authd"
)

// resolvConf is read for upstream servers when none are configured.
var resolvConf = upstream.DefaultResolvConf

// Application holds all the components of the authorization service
type Application struct {
	config     *config.AppConfig
	transport  *transport.HTTPTransport
	reputation *reputation.Service
}

func main() {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Configure global logging
	err = log.Configure(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	fields := cfg.LogFields()
	fields["version"] = version
	log.Info(fields, "Starting "+appName)

	// Build application with all dependencies
	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "Failed to build application")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err}, "Server failed")
	}

	log.Info(nil, appName+" stopped gracefully")
}

// buildApplication constructs all components and wires them together
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	logger := log.GetLogger()

	// Create DNS wire codec
	codec := wire.NewUDPCodec(logger)

	upstreamClient, err := buildUpstream(cfg, codec, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream: %w", err)
	}

	// Build service layer
	reputationService, err := reputation.New(reputation.Options{
		AccessKey: cfg.AccessKey,
		Policy:    cfg.Policy(),
		Resolver:  upstreamClient,
		Clock:     clock.RealClock{},
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build reputation service: %w", err)
	}

	log.Info(map[string]any{"policy": reputationService.Policy().String()}, "Blocking policy configured")

	// Build transport layer
	httpTransport, err := transport.NewHTTPTransport(transport.Options{
		Address:        cfg.BindAddress,
		ClientIPHeader: cfg.ClientIPHeader,
		Checker:        reputationService,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build transport: %w", err)
	}

	return &Application{
		config:     cfg,
		transport:  httpTransport,
		reputation: reputationService,
	}, nil
}

// buildUpstream creates the DNS client, falling back to the system
// nameservers when no servers are configured.
func buildUpstream(cfg *config.AppConfig, codec wire.DNSCodec, logger log.Logger) (*upstream.Resolver, error) {
	servers := cfg.Servers
	if len(servers) == 0 {
		var err error
		servers, err = upstream.SystemServers(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("no servers configured and %s unusable: %w", resolvConf, err)
		}
	}

	upstreamClient, err := upstream.NewResolver(upstream.Options{
		Servers: servers,
		Timeout: cfg.UpstreamTimeout,
		FanOut:  cfg.FanOut,
		Codec:   codec,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	log.Info(map[string]any{
		"servers": servers,
		"timeout": cfg.UpstreamTimeout.String(),
		"fan_out": cfg.FanOut,
	}, "Upstream DNS client configured")

	return upstreamClient, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server fails.
func (app *Application) Run(ctx context.Context) error {
	if err := app.transport.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP transport: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case err, ok := <-app.transport.Errors():
			if ok && err != nil {
				return err
			}
			if gctx.Err() != nil {
				return nil
			}
			return errors.New("HTTP server exited unexpectedly")
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info(nil, "Shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.ShutdownTimeout)
		defer cancel()

		if err := app.transport.Stop(shutdownCtx); err != nil {
			log.Warn(map[string]any{"timeout": app.config.ShutdownTimeout.String()}, "Shutdown timeout exceeded")
			return fmt.Errorf("shutdown: %w", err)
		}
		log.Info(nil, "Graceful shutdown completed")
		return nil
	})

	return g.Wait()
}
