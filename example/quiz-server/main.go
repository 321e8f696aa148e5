package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/TangGee/go-mcp-quiz"
	"github.com/TangGee/go-mcp-quiz/internal/config"
	"github.com/TangGee/go-mcp-quiz/internal/logctx"
	"github.com/TangGee/go-mcp-quiz/servers/quiz"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var origins string
	flag.StringVar(&cfg.Host, "host", cfg.Host, "host to listen on")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on")
	flag.StringVar(&cfg.SSEPath, "sse-path", cfg.SSEPath, "path of the event stream")
	flag.StringVar(&cfg.MessagePath, "message-path", cfg.MessagePath, "path clients post messages to")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flag.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport, sse or stdio")
	flag.StringVar(&origins, "allowed-origins", strings.Join(cfg.AllowedOrigins, ","),
		"comma separated Origin patterns allowed to connect, empty allows all")
	flag.Parse()

	if origins != "" {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// The level is validated above.
	level, _ := config.ParseLevel(cfg.LogLevel)
	// Stdout carries the stdio transport, so logs always go to stderr.
	logger := logctx.NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Server, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := quiz.NewRegistry(mcp.WithRegistryLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to register capabilities: %w", err)
	}

	info := mcp.Info{Name: cfg.Name, Version: "1.0.0"}
	serverOptions := []mcp.ServerOption{
		mcp.WithServerLogger(logger),
		mcp.WithServerOnClientConnected(func(id string, client mcp.Info) {
			logger.Info("client connected", slog.String("sessionID", id), slog.String("client", client.Name))
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			logger.Info("client disconnected", slog.String("sessionID", id))
		}),
	}

	if cfg.Transport == config.TransportStdio {
		return serveStdio(ctx, cfg, logger, mcp.NewServer(info, registry, mcp.NewStdIO(os.Stdin, os.Stdout), serverOptions...))
	}

	sse, err := mcp.NewSSEServer(cfg.MessagePath,
		mcp.WithSSEServerLogger(logger),
		mcp.WithSSEServerAllowedOrigins(cfg.AllowedOrigins...))
	if err != nil {
		return err
	}
	server := mcp.NewServer(info, registry, sse, serverOptions...)

	mux := http.NewServeMux()
	mux.Handle(cfg.SSEPath, sse.HandleSSE())
	mux.Handle(cfg.MessagePath, sse.HandleMessage())

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		server.Serve()
		return nil
	})
	g.Go(func() error {
		logger.Info("server starting",
			slog.String("addr", httpServer.Addr),
			slog.String("ssePath", cfg.SSEPath),
			slog.String("messagePath", cfg.MessagePath))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Sessions go first so the event streams unblock before the HTTP server waits on them.
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown http server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func serveStdio(ctx context.Context, cfg config.Server, logger *slog.Logger, server *mcp.Server) error {
	served := make(chan struct{})
	go func() {
		server.Serve()
		close(served)
	}()

	logger.Info("server starting", slog.String("transport", config.TransportStdio))

	select {
	case <-served:
		// The client closed stdin.
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
