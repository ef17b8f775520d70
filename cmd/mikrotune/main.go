package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/mikrotune/core"
	"github.com/signalsfoundry/mikrotune/internal/config"
	"github.com/signalsfoundry/mikrotune/internal/device"
	"github.com/signalsfoundry/mikrotune/internal/logging"
	"github.com/signalsfoundry/mikrotune/internal/observability"
	"github.com/signalsfoundry/mikrotune/internal/prompt"
	"github.com/signalsfoundry/mikrotune/internal/results"
	"github.com/signalsfoundry/mikrotune/model"
)

var version = "dev"

// radio is the device surface the command drives.
type radio interface {
	core.Device
	Close() error
}

type options struct {
	configPath  string
	outputPath  string
	metricsAddr string
	logLevel    string
	logFormat   string
}

// deps are the side-effecting pieces run needs, swapped out in tests.
type deps struct {
	stdout   io.Writer
	stderr   io.Writer
	gather   func(ctx context.Context, cfg config.Config) (prompt.Answers, error)
	dial     func(ctx context.Context, target model.DeviceTarget, cfg config.Config, log logging.Logger) (radio, error)
	registry prometheus.Registerer
}

func defaultDeps() deps {
	return deps{
		stdout: os.Stdout,
		stderr: os.Stderr,
		gather: func(ctx context.Context, cfg config.Config) (prompt.Answers, error) {
			return prompt.NewTerminalSession(prompt.WithFrequencyStep(cfg.FrequencyStepMHz)).Gather(ctx)
		},
		dial: func(ctx context.Context, target model.DeviceTarget, cfg config.Config, log logging.Logger) (radio, error) {
			client, err := device.Dial(ctx, target, cfg.DialTimeout,
				device.WithInterface(cfg.Interface),
				device.WithLogger(log),
			)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		registry: prometheus.DefaultRegisterer,
	}
}

// exitInterrupted is the conventional status for a run stopped by SIGINT.
const exitInterrupted = 130

func main() {
	if err := newRootCmd(defaultDeps()).Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	default:
		return 1
	}
}

func newRootCmd(d deps) *cobra.Command {
	var opts options

	root := &cobra.Command{
		Use:   "mikrotune",
		Short: "Sweep a MikroTik access point across frequencies and log link quality",
		Long: `MikroTune steps a MikroTik AP through a frequency range. At each
frequency it waits for a station to register, checks signal strength and
ping latency against the configured thresholds and, when both pass, runs a
bandwidth test. Every attempt is appended to the results file.

Device address, credentials and test parameters are asked for interactively.

Examples:
  # Run with config.json in the current directory
  mikrotune

  # Use a YAML config, write results elsewhere and expose metrics
  mikrotune -c sweep.yaml -o /var/log/sweep.txt --metrics-addr :9090`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, d)
		},
	}
	root.SetOut(d.stdout)
	root.SetErr(d.stderr)

	root.Flags().StringVarP(&opts.configPath, "config", "c", "config.json", "Config file (JSON, or YAML by extension)")
	root.Flags().StringVarP(&opts.outputPath, "output", "o", "", "Results file (overrides the config's output_file)")
	root.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus /metrics on this address (e.g. :9090)")
	root.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (default from LOG_LEVEL)")
	root.Flags().StringVar(&opts.logFormat, "log-format", "", "Log format: text or json (default from LOG_FORMAT)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mikrotune %s\n", version)
		},
	})
	return root
}

func run(ctx context.Context, opts options, d deps) error {
	logCfg := logging.ConfigFromEnv()
	if opts.logLevel != "" {
		logCfg.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		logCfg.Format = opts.logFormat
	}
	logCfg.Output = d.stderr
	ctx, log := logging.WithRunLogger(ctx, logging.New(logCfg))

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		log.Error(ctx, "failed to load config", logging.String("path", opts.configPath), logging.Err(err))
		return err
	}
	if opts.outputPath != "" {
		cfg.OutputFile = opts.outputPath
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		return err
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	var recorder core.MetricsRecorder
	if opts.metricsAddr != "" {
		collector, err := observability.NewSweepCollector(d.registry)
		if err != nil {
			log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
			return err
		}
		recorder = collector
		srv := serveMetrics(ctx, opts.metricsAddr, collector, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	answers, err := d.gather(ctx, cfg)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn(ctx, "interrupted before the sweep started")
			return fmt.Errorf("prompt interrupted: %w", err)
		}
		log.Error(ctx, "failed to read operator input", logging.Err(err))
		return err
	}
	if err := answers.Params.Validate(); err != nil {
		log.Error(ctx, "invalid bandwidth test parameters", logging.Err(err))
		return err
	}

	dev, err := d.dial(ctx, answers.Target, cfg, log)
	if err != nil {
		log.Error(ctx, "failed to connect to device",
			logging.String("address", answers.Target.HostPort()),
			logging.Err(err),
		)
		return fmt.Errorf("connect to device: %w", err)
	}
	defer dev.Close()
	log.Info(ctx, "connected to device", logging.String("address", answers.Target.HostPort()))

	out, err := results.Open(cfg.OutputFile)
	if err != nil {
		log.Error(ctx, "failed to open results file", logging.String("path", cfg.OutputFile), logging.Err(err))
		return err
	}
	defer out.Close()

	publisher := openSinks(ctx, cfg.Export, log)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn(ctx, "closing export sinks", logging.Err(err))
		}
	}()

	sweeper := core.NewSweeper(dev, cfg, answers.Params, out, log,
		core.WithAPAddress(answers.Target.Address),
		core.WithMetricsRecorder(recorder),
		core.WithPublisher(publisher),
	)

	summary, err := sweeper.Run(ctx, answers.Plan)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn(ctx, "sweep interrupted", logging.Int("logged", summary.Attempted), logging.String("results", out.Path()))
			return fmt.Errorf("sweep interrupted: %w", err)
		}
		log.Error(ctx, "sweep aborted", logging.Err(err))
		return err
	}

	fmt.Fprintf(d.stdout, "\nTested %d frequencies: %d passed, %d skipped, %d failed, %d errored. Results in %s\n",
		summary.Attempted, summary.Passed, summary.Skipped, summary.Failed, summary.Errored, out.Path())
	if best := summary.Best; best != nil && best.Bandwidth != nil {
		fmt.Fprintf(d.stdout, "Best frequency: %d MHz (tx %.2f Mbps, rx %.2f Mbps)\n",
			best.FrequencyMHz, best.Bandwidth.TxTotalAvgMbps, best.Bandwidth.RxTotalAvgMbps)
	}
	return nil
}

// openSinks connects every configured export sink. A sink that cannot be
// reached is skipped with a warning.
func openSinks(ctx context.Context, cfg config.ExportConfig, log logging.Logger) *results.Publisher {
	pub := results.NewPublisher(log)

	if cfg.Kafka.Enabled() {
		pub.Add("kafka", results.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	}
	if cfg.Postgres.Enabled() {
		sink, err := results.OpenPostgresSink(ctx, cfg.Postgres.DSN, cfg.Postgres.Table)
		if err != nil {
			log.Warn(ctx, "postgres export disabled", logging.Err(err))
		} else {
			pub.Add("postgres", sink)
		}
	}
	if cfg.WebSocket.Enabled() {
		sink, err := results.DialWebSocketSink(ctx, cfg.WebSocket.URL)
		if err != nil {
			log.Warn(ctx, "websocket export disabled", logging.Err(err))
		} else {
			pub.Add("websocket", sink)
		}
	}

	if pub.Len() > 0 {
		log.Info(ctx, "export sinks ready", logging.Int("count", pub.Len()))
	}
	return pub
}

func serveMetrics(ctx context.Context, addr string, collector *observability.SweepCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(ctx, "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
