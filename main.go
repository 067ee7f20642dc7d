package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/motionworks/machined/cmd"
	"github.com/motionworks/machined/internal/api"
	"github.com/motionworks/machined/internal/config"
	"github.com/motionworks/machined/internal/events"
	"github.com/motionworks/machined/internal/host"
	"github.com/motionworks/machined/internal/logging"
	"github.com/motionworks/machined/internal/metrics"
	"github.com/motionworks/machined/internal/reactor"
	"github.com/motionworks/machined/internal/registry"
	"github.com/motionworks/machined/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string

	// Server settings
	ApiSocket  string `toml:"server.api_socket" env:"SERVER_API_SOCKET"`
	DebugInput string `toml:"server.debug_input" env:"SERVER_DEBUG_INPUT"`
	LogFile    string `toml:"server.log_file" env:"SERVER_LOG_FILE"`

	// Metrics settings
	MetricsAddr string `toml:"metrics.addr" env:"METRICS_ADDR"`

	// Logging settings
	LoggingLevel   string `toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat  string `toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingApi     string `toml:"logging.api" env:"LOGGING_API"`
	LoggingReactor string `toml:"logging.reactor" env:"LOGGING_REACTOR"`
	LoggingHost    string `toml:"logging.host" env:"LOGGING_HOST"`
}

func main() {
	opts := &Options{}

	root := &cobra.Command{
		Use:     "machined",
		Short:   "Machine-control host daemon",
		Long:    `Runs the machine-control host and serves its control-plane API over a Unix domain socket.`,
		Version: version.String(),
		RunE: func(c *cobra.Command, _ []string) error {
			return run(c, opts)
		},
	}

	flags := root.Flags()
	flags.StringVarP(&opts.Config, "config", "c", "machined.toml", "Path to configuration file")
	flags.StringVar(&opts.ApiSocket, "api-socket", "/run/machined/api.sock", "Control-plane Unix socket path (empty disables the API server)")
	flags.StringVar(&opts.DebugInput, "debug-input", "", "Replay batch input from file instead of serving the API")
	flags.StringVar(&opts.LogFile, "log-file", "", "Log file path reported to API clients")
	flags.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Prometheus metrics listen address (empty disables metrics)")
	flags.StringVar(&opts.LoggingLevel, "logging-level", "info", "Global logging level (debug, info, warn, error)")
	flags.StringVar(&opts.LoggingFormat, "logging-format", "text", "Logging format (text, json)")
	flags.StringVar(&opts.LoggingApi, "logging-api", "info", "API server logging level")
	flags.StringVar(&opts.LoggingReactor, "logging-reactor", "info", "Reactor logging level")
	flags.StringVar(&opts.LoggingHost, "logging-host", "info", "Host lifecycle logging level")

	root.AddCommand(cmd.CreateCheckConfigCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(c *cobra.Command, opts *Options) error {
	if loadErr := config.LoadConfig(opts, c); loadErr != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", loadErr)
	}

	logging.Initialize(logging.Config{
		Level:  opts.LoggingLevel,
		Format: opts.LoggingFormat,
		Modules: map[string]string{
			"api":     opts.LoggingApi,
			"reactor": opts.LoggingReactor,
			"host":    opts.LoggingHost,
		},
	})
	logger := logging.GetLogger("main")
	build := version.Get()
	logger.Info("Starting machined", "version", build.Version,
		"commit", build.GitCommit, "go", build.GoVersion, "platform", build.Platform)

	r, err := reactor.New(logging.GetLogger("reactor"))
	if err != nil {
		return err
	}

	bus := events.New()
	h := host.New(bus, host.StartArgs{
		ApiSocket:       opts.ApiSocket,
		DebugInput:      opts.DebugInput,
		ConfigFile:      opts.Config,
		LogFile:         opts.LogFile,
		SoftwareVersion: version.String(),
		CPUInfo:         cpuInfo(),
	}, logging.GetLogger("host"))

	reg := registry.New()
	if err := reg.Add("host", h); err != nil {
		return err
	}
	logger.Info("Status objects registered", "objects", reg.Names())

	m := metrics.New()
	apiLogger := logging.GetLogger("api")
	router := api.NewRouter(h, m, apiLogger)
	if _, err := api.NewStatusTracker(router, reg, r, bus, m, apiLogger); err != nil {
		return err
	}
	if _, err := api.NewGcodeOutputRelay(router, bus, r, apiLogger); err != nil {
		return err
	}
	srv, err := api.NewServer(api.ServerConfig{
		SocketPath: opts.ApiSocket,
		DebugInput: opts.DebugInput,
	}, r, router, bus, m, apiLogger)
	if err != nil {
		return err
	}

	// Optional Prometheus listener.
	var metricsServer *http.Server
	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer = &http.Server{Addr: opts.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("Metrics server listening", "addr", opts.MetricsAddr)
			if serveErr := metricsServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", serveErr)
			}
		}()
	}

	// Reload log levels when the config file changes on disk.
	watcher := config.NewConfigWatcher(opts.Config, func(path string) (logging.Config, error) {
		return config.LoadLoggingConfig(path), nil
	}, logger)
	watcher.OnReload(logging.ApplyLevels)
	if watchErr := watcher.Start(); watchErr != nil {
		logger.Warn("Config watcher disabled", "error", watchErr)
	} else {
		defer watcher.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h.SetReady()
	daemon.SdNotify(false, daemon.SdNotifyReady)

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	go func() {
		<-ctx.Done()
		logger.Info("Shutdown signal received")
		daemon.SdNotify(false, daemon.SdNotifyStopping)

		// Announce teardown and let the reactor drain the resulting
		// socket-close tasks before stopping the loop.
		h.Disconnect()
		time.Sleep(250 * time.Millisecond)
		cancelLoop()
	}()

	runErr := r.Run(loopCtx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	if srv.Enabled() {
		logger.Info("machined stopped")
	}
	return runErr
}

// cpuInfo reports the processor count and model the way the info
// endpoint expects, falling back to the architecture when the model is
// not listed.
func cpuInfo() string {
	model := runtime.GOARCH
	if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			name, value, found := strings.Cut(line, ":")
			if found && strings.TrimSpace(name) == "model name" {
				model = strings.TrimSpace(value)
				break
			}
		}
	}
	return fmt.Sprintf("%d core %s", runtime.NumCPU(), model)
}
