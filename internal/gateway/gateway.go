// ABOUTME: Gateway orchestrator that coordinates the device listener and HTTP health server.
// ABOUTME: Manages the connection registry, device directory, and heartbeat sweeper lifecycle.

package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/tsnet"

	"github.com/tetherhq/tether-gateway/internal/agent"
	"github.com/tetherhq/tether-gateway/internal/auth"
	"github.com/tetherhq/tether-gateway/internal/config"
	"github.com/tetherhq/tether-gateway/internal/device"
	"github.com/tetherhq/tether-gateway/internal/llm"
	"github.com/tetherhq/tether-gateway/internal/store"
)

// Gateway orchestrates the tether-gateway server components: the TCP device
// listener, the HTTP health server, the connection registry, and the device
// directory.
type Gateway struct {
	config      *config.Config
	registry    *device.Registry
	directory   *store.SQLiteDirectory
	handshake   *auth.Handshake
	runner      *agent.Runner
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serverID identifies this gateway instance in ok replies and logs.
	serverID string

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// New creates a Gateway from configuration. The device directory database is
// opened (and its schema created) here.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	directory, err := store.NewSQLiteDirectory(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing device directory: %w", err)
	}

	issuer, err := auth.NewTokenIssuer([]byte(cfg.Auth.TokenSecret))
	if err != nil {
		directory.Close()
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}

	g := &Gateway{
		config:    cfg,
		directory: directory,
		handshake: auth.NewHandshake(directory, issuer, logger.With("component", "auth")),
		logger:    logger.With("component", "gateway"),
		serverID:  generateServerID(),
		conns:     make(map[net.Conn]struct{}),
	}

	g.registry = device.NewRegistry(device.RegistryConfig{
		HeartbeatInterval: cfg.Devices.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Devices.HeartbeatTimeout,
		OnExpire:          g.markOffline,
		Logger:            logger.With("component", "registry"),
	})

	llmClient, err := llm.NewHTTPClient(llm.HTTPConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
	})
	if err != nil {
		directory.Close()
		return nil, fmt.Errorf("creating llm client: %w", err)
	}

	g.runner = agent.NewRunner(g.registry, llmClient, agent.Config{
		Provider:        cfg.LLM.Provider,
		Model:           cfg.LLM.Model,
		MaxIterations:   cfg.LLM.MaxIterations,
		ToolCallTimeout: cfg.Devices.CallTimeout,
	}, logger.With("component", "agent"))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Registry exposes the connection registry to embedding code.
func (g *Gateway) Registry() *device.Registry {
	return g.registry
}

// Runner exposes the agent runner so a presentation layer can start runs.
func (g *Gateway) Runner() *agent.Runner {
	return g.runner
}

// Directory exposes the device directory.
func (g *Gateway) Directory() store.Directory {
	return g.directory
}

// markOffline records a swept device as offline. Best effort: a directory
// failure must not block the disconnect.
func (g *Gateway) markOffline(deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.directory.SetStatus(ctx, deviceID, store.StatusOffline); err != nil {
		g.logger.Warn("marking device offline", "device_id", deviceID, "error", err)
	}
}

// setupListeners creates the device and HTTP listeners based on config.
func (g *Gateway) setupListeners() (deviceLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners()
	}

	deviceLn, err = net.Listen("tcp", g.config.Server.DeviceAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on device address: %w", err)
	}
	if g.config.Server.HTTPAddr != "" {
		httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
		if err != nil {
			_ = deviceLn.Close()
			return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
		}
	}
	return deviceLn, httpLn, nil
}

// setupTailscaleListeners joins the tailnet and listens there instead of on
// local TCP addresses.
func (g *Gateway) setupTailscaleListeners() (deviceLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir := tsCfg.StateDir
	if stateDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, fmt.Errorf("cannot determine home directory for tailscale state: %w", err)
		}
		stateDir = filepath.Join(homeDir, ".local", "share", "tether-gateway", "tailscale")
	}

	authKey := tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return nil, nil, errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY")
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		AuthKey:   authKey,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
	}

	deviceLn, err = g.tsnetServer.Listen("tcp", ":7070")
	if err != nil {
		return nil, nil, fmt.Errorf("tailscale device listener: %w", err)
	}
	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = deviceLn.Close()
		return nil, nil, fmt.Errorf("tailscale HTTP listener: %w", err)
	}
	return deviceLn, httpLn, nil
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a listener fails.
func (g *Gateway) Run(ctx context.Context) error {
	deviceLn, httpLn, err := g.setupListeners()
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.listener = deviceLn
	g.mu.Unlock()

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go g.registry.RunSweeper(sweepCtx)

	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("device listener started", "addr", deviceLn.Addr().String())
		errCh <- g.acceptLoop(ctx, deviceLn)
	}()

	if httpLn != nil {
		go func() {
			g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
			if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		if serverErr != nil {
			g.logger.Error("server error", "error", serverErr)
		}
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// acceptLoop accepts device connections until the listener closes.
func (g *Gateway) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		netConn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		g.trackConn(netConn, true)
		go func() {
			defer g.trackConn(netConn, false)
			g.serveConn(ctx, netConn)
		}()
	}
}

func (g *Gateway) trackConn(c net.Conn, add bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if add {
		g.conns[c] = struct{}{}
	} else {
		delete(g.conns, c)
	}
}

// gracefulShutdown stops accepting, closes live connections, and closes the
// directory. Uses a fresh context since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g.mu.Lock()
	if g.listener != nil {
		_ = g.listener.Close()
	}
	for c := range g.conns {
		_ = c.Close()
	}
	g.mu.Unlock()

	for _, conn := range g.registry.List() {
		g.registry.Unregister(conn.Identity().ID)
	}

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
		errs = append(errs, err)
	}
	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := g.directory.Close(); err != nil {
		errs = append(errs, err)
	}

	g.logger.Info("gateway stopped")
	return errors.Join(errs...)
}

// handleHealth reports process liveness.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","server_id":%q}`, g.serverID)
}

// handleReady reports readiness: the device listener must be up.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	g.mu.Lock()
	ready := g.listener != nil
	g.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"starting"}`)
		return
	}
	fmt.Fprintf(w, `{"status":"ready","devices":%d}`, len(g.registry.List()))
}

// generateServerID returns a short random instance identifier.
func generateServerID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "tether-unknown"
	}
	return "tether-" + hex.EncodeToString(buf)
}
