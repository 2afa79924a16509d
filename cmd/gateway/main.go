package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mir00r/rpc-balancer/internal/admin"
	"github.com/mir00r/rpc-balancer/internal/config"
	"github.com/mir00r/rpc-balancer/internal/gateway"
	"github.com/mir00r/rpc-balancer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	client, err := gateway.NewClient(cfg.GatewayConfig(), log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create balancing client")
	}

	for _, method := range cfg.Proxy.Methods {
		if err := client.RegisterMethod(method); err != nil {
			log.WithError(err).Fatal("Failed to register proxied method")
		}
	}

	for _, backend := range cfg.Backends {
		if _, err := client.AddServer(backend.Host, backend.Port, backend.ServerOptions()); err != nil {
			log.WithError(err).
				WithField("host", backend.Host).
				WithField("port", backend.Port).
				Fatal("Failed to register backend")
		}
	}

	proxy := gateway.NewProxy(gateway.ProxyConfig{
		ListenAddress: cfg.Proxy.ListenAddress,
	}, client, log)

	adminServer := admin.New(cfg.Admin, client, log)

	errChan := make(chan error, 2)
	go func() {
		if err := proxy.Serve(); err != nil {
			errChan <- fmt.Errorf("proxy server: %w", err)
		}
	}()
	go func() {
		if err := adminServer.Start(); err != nil {
			errChan <- fmt.Errorf("admin server: %w", err)
		}
	}()

	log.WithFields(map[string]interface{}{
		"proxy_address": cfg.Proxy.ListenAddress,
		"admin_address": cfg.Admin.ListenAddress,
		"strategy":      cfg.Balancer.Strategy,
		"backends":      len(cfg.Backends),
	}).Info("RPC balancer gateway started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-errChan:
		log.WithError(err).Error("Server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	proxy.Stop()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Admin server shutdown incomplete")
	}
	client.Shutdown()

	log.Info("Shutdown complete")
}
