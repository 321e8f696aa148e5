package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/TangGee/go-mcp-quiz"
	"github.com/TangGee/go-mcp-quiz/internal/config"
	"github.com/TangGee/go-mcp-quiz/internal/demo"
	"github.com/TangGee/go-mcp-quiz/internal/logctx"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.Target, "url", cfg.Target, "URL of the server's event stream")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "timeout of a single request")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flag.IntVar(&cfg.Grade, "grade", cfg.Grade, "quiz score to grade")
	flag.Parse()

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logctx.NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport := mcp.NewSSEClient(cfg.Target, http.DefaultClient, mcp.WithSSEClientLogger(logger))
	client := mcp.NewClient(mcp.Info{Name: "quiz-sse-client", Version: "1.0.0"}, transport,
		mcp.WithClientRequestTimeout(cfg.RequestTimeout),
		mcp.WithClientLogger(logger),
		mcp.WithClientNotificationHandler(func(_ context.Context, msg mcp.JSONRPCMessage) {
			logger.Info("server message", slog.String("method", msg.Method), slog.String("params", string(msg.Params)))
		}),
	)

	err = demo.Run(ctx, client, logger, cfg.Grade)
	client.Close()
	if err != nil {
		logger.Error("client failed", slog.String("url", cfg.Target), slog.String("err", err.Error()))
		os.Exit(1)
	}
}
