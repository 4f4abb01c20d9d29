package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/imkarma/ralph/internal/api"
	"github.com/imkarma/ralph/internal/config"
	"github.com/imkarma/ralph/internal/metrics"
	"github.com/imkarma/ralph/internal/store"
	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serveAddr      string
	serveRateLimit float64
	serveNoWatch   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API, live events and metrics",
	Long: `Runs the orchestrator behind an HTTP API. Battle events stream over
the /ws websocket and Prometheus metrics are served on /metrics.

Edits to .ralph/config.yaml are applied without a restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address (default: server.addr from config)")
	serveCmd.Flags().Float64Var(&serveRateLimit, "rate-limit", 0, "Mutating requests per second per client (default 5)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Don't reload the config file on change")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	o, err := openOrchestrator(true)
	if err != nil {
		return err
	}
	defer closeOrchestrator(o)

	m := metrics.New(o.Bus())
	defer m.Close()

	router := api.NewRouter(o, api.Options{Metrics: m, Logger: logger, RateLimit: serveRateLimit})
	defer router.Close()

	addr := serveAddr
	if addr == "" {
		addr = o.Config().Server.Addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	var g run.Group

	// HTTP server.
	{
		srv := &http.Server{
			Handler:           router.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Add(
			func() error {
				logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
				fmt.Fprintf(cmd.OutOrStdout(), "ralph serving on http://%s\n", ln.Addr())
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			func(_ error) {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(sctx); err != nil {
					logger.Warn("http server shutdown", zap.Error(err))
				}
			},
		)
	}

	// Config hot reload.
	if !serveNoWatch {
		wctx, cancel := context.WithCancel(ctx)
		path := store.ConfigPath(o.WorkDir())
		g.Add(
			func() error {
				err := config.Watch(wctx, path, logger, func(cfg *config.Config) {
					if err := o.ApplyConfig(cfg); err != nil {
						logger.Warn("rejected config change", zap.Error(err))
					}
				})
				if err != nil {
					logger.Warn("config hot reload disabled", zap.Error(err))
					<-wctx.Done()
				}
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Context cancellation (from parent signal handling).
	{
		cctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				<-cctx.Done()
				logger.Info("shutting down")
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}
