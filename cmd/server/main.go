package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pairing-widget/internal/config"
	"pairing-widget/internal/factory"
	"pairing-widget/internal/scheduler"
	"pairing-widget/internal/util"
)

const sweepInterval = time.Minute

func main() {
	cfg := config.LoadConfig()

	// Initialize factory (which validates config and initializes all clients)
	f, err := factory.NewFactory(cfg)
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	router := f.Router()

	sweeper := f.Registry().StartSweeper(sweepInterval)
	defer scheduler.Stop(sweeper)

	var servers []*http.Server
	if cfg.Server.EnableTLS && cfg.IsProduction() && cfg.Server.AutoCert {
		servers = autoCertServers(f, router)
	} else {
		servers = []*http.Server{newServer(f, router)}
	}

	if err := run(servers...); err != nil {
		util.Error("Server stopped with error", util.ErrorField(err))
		f.Close()
		os.Exit(1)
	}
}

func newServer(f *factory.Factory, router http.Handler) *http.Server {
	cfg := f.Config()

	// Determine server address based on TLS config
	serverAddr := cfg.GetServerAddress()
	if cfg.Server.EnableTLS {
		serverAddr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	}

	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Server.EnableTLS {
		server.TLSConfig = f.TLSManager().GetTLSConfig()
		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.TLSPort),
			util.Bool("auto_cert", cfg.Server.AutoCert),
		)
	} else {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
	}
	return server
}

// autoCertServers answers ACME challenges on :80 and serves the widget
// host on :443.
func autoCertServers(f *factory.Factory, router http.Handler) []*http.Server {
	cfg := f.Config()
	autoCertManager := f.TLSManager().GetAutocertManager()
	if autoCertManager == nil {
		util.Fatal("AutoCert manager is not available in production")
	}

	httpServer := &http.Server{
		Addr:              ":80",
		Handler:           autoCertManager.HTTPHandler(nil),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	httpsServer := &http.Server{
		Addr:         ":443",
		Handler:      router,
		TLSConfig:    f.TLSManager().GetTLSConfig(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	util.Info("Starting HTTPS server with AutoCert on port 443",
		util.String("domain", cfg.Server.Domain),
	)
	return []*http.Server{httpServer, httpsServer}
}

// run serves until a shutdown signal arrives or a listener fails.
func run(servers ...*http.Server) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutting down servers")
		waitForShutdown(servers...)
		return nil
	})

	util.Info("Server started successfully", util.Int("listeners", len(servers)))
	return g.Wait()
}

func waitForShutdown(servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("address", srv.Addr))
		}
	}
}
