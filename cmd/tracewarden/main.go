package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tracewarden/tracewarden/internal/config"
	"github.com/tracewarden/tracewarden/internal/cost"
	"github.com/tracewarden/tracewarden/internal/eventlog"
	"github.com/tracewarden/tracewarden/internal/metrics"
	"github.com/tracewarden/tracewarden/internal/pipeline"
	"github.com/tracewarden/tracewarden/internal/proxy"
	"github.com/tracewarden/tracewarden/internal/session"
	"github.com/tracewarden/tracewarden/internal/store"
	"github.com/tracewarden/tracewarden/internal/store/queryindex"
)

var (
	version = "dev"
	commit  = "none"
)

// cliOptions holds every flag from spec.md's §6.1 command-line surface.
type cliOptions struct {
	configFile  string
	pricingFile string
	metricsPort int
	debug       bool
	verbose     bool
	quiet       bool

	traceDir       string
	includeAll     bool
	maxBodySize    int64
	sessionName    string
	sessionID      string
	tags           []string
	generateHTML   bool
	noGenerateHTML bool
	open           bool
}

func main() {
	var opts cliOptions

	rootCmd := &cobra.Command{
		Use:   "tracewarden [options] [--] <command> [args...]",
		Short: "Transparent session tracer for AI coding agents",
		Long:  "tracewarden — observes an agent's HTTPS traffic to AI providers, records every exchange, and reports token usage and cost for the session.",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dash := cmd.ArgsLenAtDash()
			traced := args
			if dash >= 0 {
				traced = args[dash:]
			}
			if len(traced) == 0 {
				return fmt.Errorf("usage: tracewarden [options] [--] <command> [args...]")
			}
			return runTraced(traced, opts)
		},
	}
	rootCmd.Flags().SetInterspersed(false)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tracewarden %s (%s)\n", version, commit)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "Path to config file")
	flags.StringVar(&opts.pricingFile, "pricing", "", "Path to a pricing override file")
	flags.IntVar(&opts.metricsPort, "metrics-port", 0, "Port to serve Prometheus metrics on (requires --debug)")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging and the metrics endpoint")
	flags.BoolVar(&opts.verbose, "verbose", false, "Enable verbose (info-level) logging")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress informational output")

	flags.StringVar(&opts.traceDir, "trace-dir", "", "Root output directory (default ~/.tracewarden/sessions)")
	flags.BoolVar(&opts.includeAll, "include-all", false, "Capture non-AI requests too")
	flags.BoolVar(&opts.includeAll, "include-all-requests", false, "Alias for --include-all")
	flags.Int64Var(&opts.maxBodySize, "max-body-size", 0, "Per-direction body capture cap, in bytes")
	flags.StringVar(&opts.sessionName, "session-name", "", "Human label for this session")
	flags.StringVar(&opts.sessionID, "session", "", "Use this id for the new session instead of generating one (an existing session is not resumed)")
	flags.StringArrayVar(&opts.tags, "tag", nil, "Session tag (repeatable)")
	flags.BoolVar(&opts.generateHTML, "generate-html", true, "Accepted for compatibility; no HTML renderer is invoked")
	flags.BoolVar(&opts.noGenerateHTML, "no-generate-html", false, "Accepted for compatibility; no HTML renderer is invoked")
	flags.BoolVar(&opts.open, "open", false, "Accepted for compatibility; no HTML report is generated or opened")

	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tracewarden:", err)
		os.Exit(2)
	}
}

func runTraced(command []string, opts cliOptions) error {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.pricingFile != "" {
		if err := config.LoadPricing(cfg, opts.pricingFile); err != nil {
			return fmt.Errorf("loading pricing: %w", err)
		}
	}
	if opts.traceDir != "" {
		cfg.Store.RootDir = opts.traceDir
	} else if dir := os.Getenv("TRACEWARDEN_TRACE_DIR"); dir != "" {
		cfg.Store.RootDir = dir
	}
	if opts.includeAll {
		cfg.Proxy.CaptureAllRequests = true
	}
	if opts.maxBodySize > 0 {
		cfg.Proxy.MaxBodySize = opts.maxBodySize
	}
	if opts.noGenerateHTML {
		opts.generateHTML = false
	}
	cfg.Debug = cfg.Debug || opts.debug
	cfg.Quiet = cfg.Quiet || opts.quiet

	logLevel := slog.LevelWarn
	if opts.verbose {
		logLevel = slog.LevelInfo
	}
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	if cfg.Quiet {
		logLevel = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	staleWatcher, err := config.NewStaleWatcher(opts.configFile, opts.pricingFile, logger)
	if err != nil {
		logger.Warn("failed to start config stale-edit watcher", "error", err)
	} else {
		defer staleWatcher.Stop()
	}

	var metricsSrv *metrics.Server
	if cfg.Debug {
		metricsSrv, err = metrics.Start(opts.metricsPort)
		if err != nil {
			logger.Warn("failed to start metrics server", "error", err)
		} else {
			logger.Info("metrics endpoint listening", "addr", metricsSrv.Addr())
			defer metricsSrv.Stop(context.Background())
		}
	}

	if err := os.MkdirAll(cfg.Store.RootDir, 0o750); err != nil {
		return fmt.Errorf("creating session store root: %w", err)
	}

	fileStore, err := store.New(cfg.Store.RootDir)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}

	var qIndex *queryindex.Index
	if cfg.Store.QueryIndex {
		qIndex, err = queryindex.Open(filepath.Join(cfg.Store.RootDir, "index.sqlite"), logger)
		if err != nil {
			logger.Warn("failed to open query index, continuing without it", "error", err)
			qIndex = nil
		} else {
			defer qIndex.Close()
		}
	}

	pricingTable := cost.NewTable(cfg.Pricing)
	accounting := cost.NewAccounting(pricingTable)
	classifier := proxy.NewClassifier(cfg.Proxy.ClassifierExtraHosts)

	sessionID, internalID := session.GenerateIDs()
	if opts.sessionID != "" {
		sessionID = opts.sessionID
	}

	var pipelineAppender pipeline.Appender = fileStore
	if qIndex != nil {
		pipelineAppender = mirroringAppender{inner: fileStore, index: qIndex}
	}

	var sup *session.Supervisor

	pl := pipeline.New(sessionID, pipelineAppender, pipeline.Options{
		QueueSize:        4096,
		DedupeWindow:     cfg.Proxy.DedupeWindow,
		DedupeCacheSize:  cfg.Proxy.DedupeCacheSize,
		CorrelationTTL:   cfg.Proxy.CorrelationTTL,
		OrderFlushWindow: cfg.Proxy.OrderFlushWindow,
		SensitiveHeaders: cfg.Redact.SensitiveHeaderNames,
		SensitiveBody:    cfg.Redact.SensitiveBodyPattern,
		RedactionMarker:  cfg.Redact.Marker,
		AppendRetries:    cfg.Store.AppendRetries,
		AppendBackoff:    cfg.Store.AppendBackoff,
		OnAppendFailure: func(err error) {
			if sup != nil {
				sup.MarkFailed(err)
			}
		},
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pl.Run(ctx)

	engine, err := proxy.New(proxy.Options{
		SessionID:             sessionID,
		MaxBodySize:           cfg.Proxy.MaxBodySize,
		IdleTunnelMs:          cfg.Proxy.IdleTunnelMs,
		CAOrganization:        "tracewarden",
		CaptureRequestBodies:  cfg.Proxy.CaptureRequestBodies,
		CaptureResponseBodies: cfg.Proxy.CaptureResponseBodies,
		CaptureAllRequests:    cfg.Proxy.CaptureAllRequests,
	}, classifier, accounting, pl.Submit, logger)
	if err != nil {
		return fmt.Errorf("building proxy engine: %w", err)
	}

	sup = session.New(sessionID, internalID, proxyAdapter{engine}, fileStore, pl, logger)

	stopSignals := session.WatchSignals(ctx, func() { sup.Abort() }, logger)
	defer stopSignals()

	wd, _ := os.Getwd()
	if err := sup.Start(ctx, session.RunOptions{
		Command:          command,
		Dir:              wd,
		BindAddress:      cfg.Proxy.BindAddress,
		CADir:            cfg.Store.RootDir,
		Name:             opts.sessionName,
		Prompt:           promptFromCommand(command),
		AgentVersion:     version,
		Tags:             opts.tags,
		WorkingDirectory: wd,
		ConfigSnapshot:   config.Snapshot(cfg),
	}); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	exitCode, _ := sup.Wait(ctx, cfg.Proxy.GraceMs)

	if opts.generateHTML {
		logger.Debug("HTML report generation is handled by an external renderer; skipping in-process (out of scope)")
	}
	if opts.open {
		logger.Debug("--open requires a generated HTML report from an external renderer; nothing to open")
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

// promptFromCommand reconstructs the traced invocation's trailing arguments
// as the human-readable prompt recorded on session_start, per spec.md's
// "<tool> [options] [--] <prompt>..." invocation form.
func promptFromCommand(command []string) string {
	if len(command) <= 1 {
		return ""
	}
	prompt := ""
	for i, arg := range command[1:] {
		if i > 0 {
			prompt += " "
		}
		prompt += arg
	}
	return prompt
}

// mirroringAppender fans appended batches out to both the authoritative
// JSONL store and the best-effort SQLite query index.
type mirroringAppender struct {
	inner *store.Store
	index *queryindex.Index
}

func (m mirroringAppender) AppendBatch(ctx context.Context, sessionID string, events []eventlog.Event) error {
	if err := m.inner.AppendBatch(ctx, sessionID, events); err != nil {
		return err
	}
	m.index.Mirror(ctx, events)
	return nil
}

// proxyAdapter adapts *proxy.Engine to session.ProxyHandle.
type proxyAdapter struct {
	engine *proxy.Engine
}

func (a proxyAdapter) Start(bindAddress string) (*session.StartResult, error) {
	res, err := a.engine.Start(bindAddress)
	if err != nil {
		return nil, err
	}
	return &session.StartResult{Addr: res.Addr, CACertPEM: res.CACertPEM}, nil
}

func (a proxyAdapter) Stop(ctx context.Context, graceMs int) error {
	return a.engine.Stop(ctx, graceMs)
}
