package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"git.sr.ht/~rumpelsepp/quecho"
	"git.sr.ht/~rumpelsepp/quecho/quechohelper"
)

type runtimeOptions struct {
	configPath string
	remote     string
	bindAddr   string
	serverName string
	network    string
	root       string
	trust      string
	pins       []string
	pinFile    string
	messages   []string
	anonymous  bool

	idleTimeout time.Duration
	keepAlive   time.Duration
	tcpFastOpen bool
	logLevel    string
	logFile     string
}

func main() {
	opts := runtimeOptions{}

	cmd := &cobra.Command{
		Use:   "quecho-client",
		Short: "Send lines from stdin to a quecho server",
		Long: `Every input line is sent as one request on a new stream of a single
connection. The response and its round trip time are printed.

Trust modes:
  auto    pinned if a trusted peer certificate is stored, otherwise tofu
  pinned  only accept the stored trusted peer certificate
  tofu    accept and store the first certificate, then insist on it
  any     accept every certificate
  system  verify against the system roots`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &opts)
		},
	}

	defaults := quecho.DefaultConfig()
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", quechohelper.DefaultConfigPath(), "Read settings from this TOML file")
	f.StringVarP(&opts.remote, "remote", "r", quecho.DefaultListenAddr, "Server address")
	f.StringVarP(&opts.bindAddr, "bind", "b", quecho.DefaultClientBind, "Local address")
	f.StringVar(&opts.serverName, "server-name", quecho.DefaultServerName, "Name the server certificate is verified against")
	f.StringVarP(&opts.network, "network", "n", quecho.NetworkQUIC, "Transport: quic or tcp")
	f.StringVar(&opts.root, "root", "", "Store identity and trusted peer below this directory")
	f.StringVarP(&opts.trust, "trust", "t", "auto", "Trust mode: auto, pinned, tofu, any or system")
	f.StringSliceVar(&opts.pins, "pin", nil, "Only accept a server with this fingerprint")
	f.StringVar(&opts.pinFile, "pin-file", "", "Only accept servers listed in this fingerprint file")
	f.StringArrayVarP(&opts.messages, "message", "m", nil, "Send this message instead of reading stdin")
	f.BoolVar(&opts.anonymous, "anonymous", false, "Do not present a client certificate")
	f.DurationVar(&opts.idleTimeout, "idle-timeout", defaults.IdleTimeout, "Close the idle connection after this duration")
	f.DurationVar(&opts.keepAlive, "keep-alive", defaults.KeepAlive, "Keep-alive interval")
	f.BoolVar(&opts.tcpFastOpen, "tcp-fast-open", false, "Enable TCP fast open (tcp network only)")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level")
	f.StringVar(&opts.logFile, "log-file", "", "Log to this file instead of stderr")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func merge(cmd *cobra.Command, opts *runtimeOptions, conf *quechohelper.FileConfig) (quecho.Config, quechohelper.LogOptions, error) {
	f := cmd.Flags()
	c := conf.Client

	setString := func(flag string, dst *string, v string) {
		if v != "" && !f.Changed(flag) {
			*dst = v
		}
	}
	setString("remote", &opts.remote, c.Remote)
	setString("bind", &opts.bindAddr, c.Bind)
	setString("server-name", &opts.serverName, c.ServerName)
	setString("network", &opts.network, c.Transport.Network)
	setString("trust", &opts.trust, c.Trust)
	setString("pin-file", &opts.pinFile, c.PinFile)
	setString("root", &opts.root, conf.Identity.Root)

	config := quecho.DefaultConfig()
	if err := c.Transport.Apply(&config); err != nil {
		return config, quechohelper.LogOptions{}, err
	}
	if f.Changed("idle-timeout") {
		config.IdleTimeout = opts.idleTimeout
	}
	if f.Changed("keep-alive") {
		config.KeepAlive = opts.keepAlive
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

	return config, logOpts, nil
}

func trustPolicy(opts *runtimeOptions, ns quechohelper.Namespace, logger zerolog.Logger) (quecho.TrustPolicy, error) {
	var pinned []*quecho.Fingerprint
	for _, raw := range opts.pins {
		fp, err := quecho.FingerprintFromNIString(raw)
		if err != nil {
			return nil, err
		}
		pinned = append(pinned, fp)
	}
	if opts.pinFile != "" {
		pins, err := quechohelper.LoadPinnedFingerprints(opts.pinFile)
		if err != nil {
			return nil, err
		}
		for _, fp := range pins {
			pinned = append(pinned, fp)
		}
	}
	if len(pinned) > 0 {
		logger.Debug().Int("pins", len(pinned)).Msg("using pinned fingerprints")
		return quecho.PinFingerprints(pinned...), nil
	}

	peer, err := quechohelper.LoadTrustedPeer(ns)
	if err != nil {
		return nil, err
	}

	tofu := func() (quecho.TrustPolicy, error) {
		db := quecho.NewMemoryDB()
		if peer != nil {
			fp, err := quecho.FingerprintFromCertificate(peer)
			if err != nil {
				return nil, err
			}
			if err := db.AddPeer(opts.serverName, fp, 0); err != nil {
				return nil, err
			}
		}
		return quecho.TrustOnFirstUse(db, quechohelper.RememberPeer(ns)), nil
	}

	switch opts.trust {
	case "auto":
		if peer != nil {
			return quecho.PinCertificates(peer)
		}
		logger.Warn().Msg("no trusted peer stored, trusting the server on first use")
		return tofu()
	case "pinned":
		if peer == nil {
			return nil, fmt.Errorf("no trusted peer certificate stored, import one with quecho-keygen")
		}
		return quecho.PinCertificates(peer)
	case "tofu":
		return tofu()
	case "any":
		logger.Warn().Msg("accepting any server certificate")
		return quecho.TrustAny(), nil
	case "system":
		return quecho.TrustSystem(), nil
	default:
		return nil, fmt.Errorf("unknown trust mode %q", opts.trust)
	}
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

	logger, err := quechohelper.NewLogger("quecho-client", logOpts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	quecho.InitLogging(logger)

	ns := quechohelper.ClientNamespace
	ns.Root = opts.root

	if !opts.anonymous {
		id, err := quechohelper.LoadOrCreateIdentity(ns)
		if err != nil {
			logger.Error().Err(err).Msg("loading identity failed")
			return err
		}
		config.Identity = &id.Certificate
	}

	config.Trust, err = trustPolicy(opts, ns, logger)
	if err != nil {
		logger.Error().Err(err).Msg("trust setup failed")
		return err
	}

	endpoint, err := quecho.Bind(opts.network, opts.bindAddr, quecho.RoleClient, config)
	if err != nil {
		logger.Error().Err(err).Msg("bind failed")
		return err
	}
	defer endpoint.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := quecho.NewClient(endpoint, opts.remote, opts.serverName)
	defer client.Close()

	start := time.Now()
	if err := client.Connect(ctx); err != nil {
		// Not fatal; every request dials again.
		logger.Warn().Err(err).Str("remote", opts.remote).Msg("connect failed")
	} else {
		logger.Info().Str("remote", opts.remote).Dur("took", time.Since(start)).Msg("connected")
	}

	var in io.Reader = os.Stdin
	if len(opts.messages) > 0 {
		in = strings.NewReader(strings.Join(opts.messages, "\n") + "\n")
	} else if term.IsTerminal(int(os.Stdin.Fd())) {
		client.Prompt = "> "
	}

	if err := client.RunInteractive(ctx, in, os.Stdout); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Send()
		return err
	}

	return nil
}
