package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"git.sr.ht/~rumpelsepp/quecho"
	"git.sr.ht/~rumpelsepp/quecho/quechohelper"
)

type runtimeOptions struct {
	configPath  string
	listenAddr  string
	network     string
	root        string
	mode        string
	ack         string
	metricsAddr string
	show        bool

	idleTimeout time.Duration
	keepAlive   time.Duration
	maxStreams  int
	maxRequest  int
	tcpFastOpen bool
	logLevel    string
	logFile     string
	logJSON     bool
}

func main() {
	opts := runtimeOptions{}

	cmd := &cobra.Command{
		Use:          "quecho-server",
		Short:        "Answer echo requests over QUIC",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &opts)
		},
	}

	defaults := quecho.DefaultConfig()
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", quechohelper.DefaultConfigPath(), "Read settings from this TOML file")
	f.StringVarP(&opts.listenAddr, "listen", "l", quecho.DefaultListenAddr, "Listen on this address")
	f.StringVarP(&opts.network, "network", "n", quecho.NetworkQUIC, "Transport: quic or tcp")
	f.StringVar(&opts.root, "root", "", "Store the identity below this directory")
	f.StringVarP(&opts.mode, "mode", "m", "echo", "Answer with the request (echo) or a fixed message (ack)")
	f.StringVar(&opts.ack, "ack", quecho.DefaultAckResponse, "Message sent in ack mode")
	f.StringVar(&opts.metricsAddr, "metrics", "", "Serve prometheus metrics on this address")
	f.BoolVarP(&opts.show, "show", "s", false, "Show own fingerprint and exit")
	f.DurationVar(&opts.idleTimeout, "idle-timeout", defaults.IdleTimeout, "Close idle connections after this duration")
	f.DurationVar(&opts.keepAlive, "keep-alive", defaults.KeepAlive, "Keep-alive interval")
	f.IntVar(&opts.maxStreams, "max-streams", defaults.MaxConcurrentStreams, "Concurrent streams per connection, 0 is unbounded")
	f.IntVar(&opts.maxRequest, "max-request", defaults.MaxRequestSize, "Largest accepted request payload in bytes")
	f.BoolVar(&opts.tcpFastOpen, "tcp-fast-open", false, "Enable TCP fast open (tcp network only)")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level")
	f.StringVar(&opts.logFile, "log-file", "", "Log to this file instead of stderr")
	f.BoolVar(&opts.logJSON, "log-json", false, "Log JSON to stderr")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// merge lets file values fill in every flag which was not given explicitly.
func merge(cmd *cobra.Command, opts *runtimeOptions, conf *quechohelper.FileConfig) (quecho.Config, quechohelper.LogOptions, error) {
	f := cmd.Flags()
	s := conf.Server

	setString := func(flag string, dst *string, v string) {
		if v != "" && !f.Changed(flag) {
			*dst = v
		}
	}
	setString("listen", &opts.listenAddr, s.Listen)
	setString("network", &opts.network, s.Transport.Network)
	setString("mode", &opts.mode, s.Mode)
	setString("ack", &opts.ack, s.Ack)
	setString("metrics", &opts.metricsAddr, s.MetricsAddr)
	setString("root", &opts.root, conf.Identity.Root)

	config := quecho.DefaultConfig()
	if err := s.Transport.Apply(&config); err != nil {
		return config, quechohelper.LogOptions{}, err
	}
	if f.Changed("idle-timeout") {
		config.IdleTimeout = opts.idleTimeout
	}
	if f.Changed("keep-alive") {
		config.KeepAlive = opts.keepAlive
	}
	if f.Changed("max-streams") {
		config.MaxConcurrentStreams = opts.maxStreams
	}
	if f.Changed("max-request") {
		config.MaxRequestSize = opts.maxRequest
	}
	if opts.tcpFastOpen {
		config.TCPFastOpen = true
	}

	logOpts := conf.Log
	if opts.logLevel != "" {
		logOpts.Level = opts.logLevel
	}
	if opts.logFile != "" {
		logOpts.File = opts.logFile
	}
	if opts.logJSON {
		logOpts.JSON = true
	}

	return config, logOpts, nil
}

func run(cmd *cobra.Command, opts *runtimeOptions) error {
	fileConf, err := quechohelper.LoadConfig(opts.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	config, logOpts, err := merge(cmd, opts, fileConf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	logger, err := quechohelper.NewLogger("quecho-server", logOpts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	quecho.InitLogging(logger)

	ns := quechohelper.ServerNamespace
	ns.Root = opts.root

	id, err := quechohelper.LoadOrCreateIdentity(ns)
	if err != nil {
		logger.Error().Err(err).Msg("loading identity failed")
		return err
	}

	if opts.show {
		fmt.Println(id.Fingerprint())
		return nil
	}
	config.Identity = &id.Certificate

	var h quecho.Handler
	switch opts.mode {
	case "echo":
		h = quecho.EchoHandler()
	case "ack":
		h = quecho.AckHandler(opts.ack)
	default:
		err := fmt.Errorf("unknown mode %q", opts.mode)
		logger.Error().Err(err).Send()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		config.Metrics = quecho.NewMetrics(reg)

		srv := newMetricsServer(opts.metricsAddr, reg, logger)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	endpoint, err := quecho.Bind(opts.network, opts.listenAddr, quecho.RoleServer, config)
	if err != nil {
		logger.Error().Err(err).Msg("bind failed")
		return err
	}
	defer endpoint.Close()

	logger.Info().
		Str("fingerprint", id.Fingerprint().String()).
		Str("network", endpoint.Network()).
		Stringer("addr", endpoint.LocalAddr()).
		Str("mode", opts.mode).
		Msg("listening")

	if err := endpoint.Serve(ctx, h); err != nil {
		logger.Error().Err(err).Msg("serve failed")
		return err
	}

	logger.Info().Msg("shut down")
	return nil
}

func newMetricsServer(addr string, reg *prometheus.Registry, logger zerolog.Logger) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)

	logger.Info().Str("addr", addr).Msg("serving metrics")

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
