// served is the file sharing daemon: point it at a directory and it serves
// the tree over HTTP with token-gated uploads and deletes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"serve/internal/config"
	"serve/internal/httpserver"
)

var version = "dev"

func main() {
	var (
		cfgPath = flag.StringP("config", "c", "", "path to config.toml (default: standard locations)")
		port    = flag.IntP("port", "p", 0, "listen port (overrides config)")
		root    = flag.StringP("root", "r", "", "share root directory (overrides config)")
		token   = flag.StringP("token", "t", "", "upload/delete token (overrides config)")
		debug   = flag.Bool("debug", false, "verbose logging")
		showVer = flag.BoolP("version", "V", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println("served", version)
		return
	}

	log, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	// Flags beat everything.
	if *port != 0 {
		cfg.Port = *port
	}
	if *root != "" {
		cfg.Root = mustAbs(log, *root)
	}
	if *token != "" {
		cfg.Token = *token
	}

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		log.Fatal("create share root", zap.String("root", cfg.Root), zap.Error(err))
	}
	if cfg.Token == "" {
		log.Warn("no token configured: uploads and deletes are disabled")
	}

	srv, err := httpserver.New(cfg, log, version)
	if err != nil {
		log.Fatal("server init", zap.Error(err))
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	log.Info("listening",
		zap.String("addr", addr),
		zap.String("root", cfg.Root),
		zap.String("config", cfg.ConfigPath),
		zap.String("version", version),
	)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("listen", zap.Error(err))
	}
	log.Info("shut down")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

func mustAbs(log *zap.Logger, p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		log.Fatal("resolve path", zap.String("path", p), zap.Error(err))
	}
	return abs
}
