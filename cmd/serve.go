// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LeeDigitalWorks/zapoffload/pkg/admin"
	"github.com/LeeDigitalWorks/zapoffload/pkg/debug"
	"github.com/LeeDigitalWorks/zapoffload/pkg/delivery"
	"github.com/LeeDigitalWorks/zapoffload/pkg/env"
	"github.com/LeeDigitalWorks/zapoffload/pkg/logger"
	"github.com/LeeDigitalWorks/zapoffload/pkg/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type ServeOpts struct {
	Stack StackOpts

	IP                string
	HTTPPort          int
	DebugPort         int
	ConnTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	AdminToken string
	BulkRPS    float64
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the delivery and admin HTTP server",
	Long: `Start the ZapOffload server that handles:
- file delivery on GET /<url_segment>/{id}/{name}
- the admin API under /api/admin
- metrics, health and pprof on the debug port`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("ip", "0.0.0.0", "IP address to bind to")
	f.Int("http_port", 8080, "HTTP port for delivery and admin")
	f.Int("debug_port", 8085, "Debug HTTP port (metrics, health, pprof)")
	f.Duration("conn_timeout", 30*time.Second, "Per-connection idle timeout, stretched by bytes transferred")
	f.Duration("read_header_timeout", 10*time.Second, "Time allowed to read request headers")
	f.Duration("shutdown_timeout", 30*time.Second, "Grace period for in-flight requests on shutdown")
	f.String("admin_token", "", "Bearer token required by the admin API (env ADMIN_TOKEN)")
	f.Float64("bulk_assign_rps", 10, "Records per second processed by bulk assignment (0 = unlimited)")

	viper.BindPFlags(f)
}

func loadServeOpts(cmd *cobra.Command) ServeOpts {
	f := NewFlagLoader(cmd)
	return ServeOpts{
		Stack:             loadStackOpts(f),
		IP:                f.String("ip"),
		HTTPPort:          f.Int("http_port"),
		DebugPort:         f.Int("debug_port"),
		ConnTimeout:       f.Duration("conn_timeout"),
		ReadHeaderTimeout: f.Duration("read_header_timeout"),
		ShutdownTimeout:   f.Duration("shutdown_timeout"),
		AdminToken:        f.String("admin_token"),
		BulkRPS:           f.Float64("bulk_assign_rps"),
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	opts := loadServeOpts(cmd)
	debug.SetNotReady()

	if opts.AdminToken == "" {
		if env.IsProduction() {
			logger.Fatal().Msg("--admin_token is required in production")
		}
		logger.Warn().Msg("admin API is running without authentication")
	}

	s, err := openStack(cmd.Context(), opts.Stack)
	if err != nil {
		return err
	}
	defer s.Close()

	httpServer := startHTTPServer(newRouter(s, opts), opts.IP, opts.HTTPPort, opts.ConnTimeout, opts.ReadHeaderTimeout)
	debugServer := startHTTPServer(debug.GetMux(), opts.IP, opts.DebugPort, 0, opts.ReadHeaderTimeout)

	logger.Info().
		Str("site", opts.Stack.Site).
		Str("metadata", opts.Stack.MetadataDriver).
		Str("secrets", opts.Stack.SecretsDriver).
		Str("cache", opts.Stack.CacheDriver).
		Str("env", env.Env).
		Msg("zapoffload started")

	debug.SetReady()
	waitForShutdown()
	debug.SetNotReady()

	ctx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	debugServer.Shutdown(ctx)
	return nil
}

// newRouter mounts delivery and admin on one chi router
func newRouter(s *stack, opts ServeOpts) http.Handler {
	resolver := delivery.NewResolver(s.store, s.profiles, s.local, delivery.WithCache(s.cache))
	files := delivery.NewHandler(resolver, opts.Stack.URLSegment)
	api := admin.New(s.profiles, s.records, admin.Config{
		Token:   opts.AdminToken,
		BulkRPS: opts.BulkRPS,
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logger.Middleware("http"))
	files.Routes(r)
	api.Routes(r)
	r.NotFound(delivery.NotFound)
	return r
}

func startHTTPServer(handler http.Handler, ip string, port int, connTimeout, readHeaderTimeout time.Duration) *http.Server {
	addr := utils.JoinHostPort(ip, port)
	listener, err := utils.NewListener(addr, connTimeout)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", addr).Msg("failed to create HTTP listener")
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		logger.Info().Str("http_addr", addr).Msg("Starting HTTP server")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()
	return httpServer
}

func waitForShutdown() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
	<-stopChan
}
