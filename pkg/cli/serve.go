package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/getmockd/scriptbridge/pkg/config"
	"github.com/getmockd/scriptbridge/pkg/logging"
	"github.com/getmockd/scriptbridge/pkg/loop"
	"github.com/getmockd/scriptbridge/pkg/metrics"
	"github.com/getmockd/scriptbridge/pkg/script"
	"github.com/getmockd/scriptbridge/pkg/webserver"
)

// serveFlags holds the serve flags that override the configuration file.
type serveFlags struct {
	port      string
	keepAlive bool
	logLevel  string
	logFormat string
	logFile   string

	metricsPort string
}

var serveOpts serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scripted HTTP server (foreground)",
	Long: `Start the embedded HTTP server. Every request is handed to the single script
loop, which answers it from the routes in the configuration file. Workers wait
until the script closes their response; on SIGINT or SIGTERM every waiting
worker is released before the server shuts down.`,
	Example: `  # Start with defaults on port 8080
  scriptbridge serve

  # Serve routes from a config file on a specific address
  scriptbridge serve -c scriptbridge.yaml --port 127.0.0.1:9000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, &serveOpts)
		if err != nil {
			return err
		}

		log, closer, err := logging.Open(cfg.LoggingConfig())
		if err != nil {
			return err
		}
		defer func() { _ = closer.Close() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runServe(ctx, cfg, log, func(addrs serveAddrs) {
			if jsonOutput {
				return
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "scriptbridge listening on %s (%d routes)\n", addrs.HTTP, len(cfg.Routes))
			if addrs.Metrics != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "metrics on http://%s/metrics\n", addrs.Metrics)
			}
		})
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveOpts.port, "port", "p", "", "Port or host:port to listen on (default from config, 8080)")
	serveCmd.Flags().BoolVar(&serveOpts.keepAlive, "keep-alive", false, "Allow persistent client connections")
	serveCmd.Flags().StringVar(&serveOpts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&serveOpts.logFormat, "log-format", "", "Log format (text, json)")
	serveCmd.Flags().StringVar(&serveOpts.logFile, "log-file", "", "Also write logs to this file")
	serveCmd.Flags().StringVar(&serveOpts.metricsPort, "metrics-port", "", "Port or host:port for the /metrics endpoint (disabled by default)")
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads the configuration and applies flags the user set.
func loadConfig(cmd *cobra.Command, f *serveFlags) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = f.port
	}
	if flags.Changed("keep-alive") {
		cfg.Server.KeepAlive = f.keepAlive
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if flags.Changed("log-file") {
		cfg.Log.File = f.logFile
	}
	if flags.Changed("metrics-port") {
		cfg.Server.MetricsPort = f.metricsPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serveAddrs are the addresses runServe bound.
type serveAddrs struct {
	HTTP    string
	Metrics string
}

// runServe runs the script loop and the HTTP server until ctx is done, then
// releases pending workers, shuts the server down and stops the loop. ready,
// if set, is called once the server is listening.
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger, ready func(serveAddrs)) error {
	lp := loop.New(loop.WithLogger(log))

	router, err := script.NewRouter(cfg.Routes, script.WithLogger(log), script.WithPoster(lp))
	if err != nil {
		return err
	}

	opts := []webserver.ServerOption{
		webserver.WithServerLogger(log),
		webserver.WithServerMaxBodySize(cfg.Server.MaxBodySize),
		webserver.WithReadHeaderTimeout(cfg.Server.ReadTimeout),
	}

	var metricsLn net.Listener
	reg := metrics.NewRegistry()
	if cfg.Server.MetricsPort != "" {
		metricsLn, err = net.Listen("tcp", cfg.Server.MetricsPort)
		if err != nil {
			return fmt.Errorf("listen on metrics port %s: %w", cfg.Server.MetricsPort, err)
		}
		opts = append(opts, webserver.WithServerMetrics(reg))
	}

	srv := webserver.NewServer(lp, router.Handle, opts...)

	g, gctx := errgroup.WithContext(ctx)

	// The loop outlives gctx so handlers still queued during shutdown run.
	g.Go(func() error {
		return lp.Run(context.Background())
	})

	if err := srv.ListenOnPort(cfg.Server.Port, webserver.Options{KeepAlive: cfg.Server.KeepAlive}); err != nil {
		if metricsLn != nil {
			_ = metricsLn.Close()
		}
		lp.Stop()
		_ = g.Wait()
		return err
	}

	addrs := serveAddrs{HTTP: srv.Addr()}
	var metricsSrv *http.Server
	if metricsLn != nil {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", reg.Handler())
		metricsSrv = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
			ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelDebug),
		}
		addrs.Metrics = metricsLn.Addr().String()
		g.Go(func() error {
			if err := metricsSrv.Serve(metricsLn); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		log.Info("metrics listening", "addr", addrs.Metrics)
	}

	if ready != nil {
		ready(addrs)
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "pending", srv.Bridge().Pending())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Close(shutdownCtx)
		if metricsSrv != nil {
			err = errors.Join(err, metricsSrv.Shutdown(shutdownCtx))
		}
		lp.Stop()
		return err
	})

	return g.Wait()
}
