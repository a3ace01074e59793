package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"dmarcwatch/internal/batch"
	"dmarcwatch/internal/config"
	"dmarcwatch/internal/enrich"
	"dmarcwatch/internal/extract"
	httpserver "dmarcwatch/internal/http"
	"dmarcwatch/internal/kafka"
	"dmarcwatch/internal/logger"
	"dmarcwatch/internal/mailbox"
	"dmarcwatch/internal/output"
	"dmarcwatch/internal/parser"
	"dmarcwatch/internal/report"
	"dmarcwatch/internal/sink/clickhouse"
	"dmarcwatch/internal/smtp"
)

const version = "1.0.0"

func main() {
	var (
		configFile   = flag.String("config", "config.yaml", "Config file path")
		inputPath    = flag.String("input", "", "Input file or directory to parse")
		outputFile   = flag.String("output", "", "Output file (default: stdout)")
		outputFormat = flag.String("format", "json", "Output format: json, csv")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("dmarcwatch version %s\n", version)
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting dmarcwatch",
		zap.String("version", version),
		zap.String("config", *configFile),
	)

	geo := openGeoSnapshot(cfg.Enrichment, log)
	if geo != nil {
		defer geo.Close()
	}

	factory := newParserFactory(cfg.Enrichment, geo, log)
	dispatcher := batch.New(cfg.Dispatcher.Workers, factory, log)

	if *inputPath != "" {
		if err := runFiles(cfg, dispatcher, *inputPath, *outputFile, *outputFormat, log); err != nil {
			log.Fatal("Processing failed", zap.Error(err))
		}
		return
	}

	if !cfg.Watcher.Enabled && !cfg.HTTP.Enabled {
		log.Info("Nothing to do: no input file, watcher and HTTP disabled")
		log.Info("Use -input for file processing or enable watcher/http in the config")
		return
	}

	runServices(cfg, dispatcher, factory, log)
}

// newParserFactory builds one parser per worker. The enrichment cache is
// deliberately per parser so workers never share it.
func newParserFactory(cfg config.EnrichmentConfig, geo *enrich.GeoSnapshot, log *zap.Logger) batch.ParserFactory {
	var resolver enrich.Resolver
	if !cfg.Offline {
		resolver = enrich.NewDNSResolver(cfg.Nameservers, time.Duration(cfg.DNSTimeout)*time.Second)
	}

	var geoLocator enrich.GeoLocator
	if geo != nil {
		geoLocator = geo
	}

	return func() (*parser.Parser, error) {
		cache := enrich.NewCache(resolver, geoLocator, log)
		extractor := extract.New(log, cfg.MsgConvertPath)
		return parser.New(cache, extractor, log), nil
	}
}

func openGeoSnapshot(cfg config.EnrichmentConfig, log *zap.Logger) *enrich.GeoSnapshot {
	if cfg.GeoIPPath == "" {
		return nil
	}
	geo, err := enrich.OpenGeoSnapshot(cfg.GeoIPPath)
	if err != nil {
		log.Warn("GeoIP database unavailable, country enrichment disabled",
			zap.String("path", cfg.GeoIPPath),
			zap.Error(err),
		)
		return nil
	}
	return geo
}

// buildSinks assembles the configured delivery fanout. fileSink overrides the
// config-driven flat file output when non-nil.
func buildSinks(cfg *config.Config, fileSink report.Sink, log *zap.Logger) (*output.Fanout, error) {
	var sinks []report.Sink

	if fileSink != nil {
		sinks = append(sinks, fileSink)
	} else if cfg.Output.Enabled {
		path := ""
		if cfg.Output.Directory != "" {
			path = filepath.Join(cfg.Output.Directory, "dmarc-reports."+cfg.Output.Format)
		}
		writer, err := output.NewWriter(output.Format(cfg.Output.Format), path, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create output writer: %w", err)
		}
		sinks = append(sinks, writer)
	}

	if cfg.ClickHouse.Enabled {
		storage, err := clickhouse.New(cfg.ClickHouse, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ClickHouse: %w", err)
		}
		sinks = append(sinks, storage)
	}

	if cfg.Kafka.Enabled {
		sinks = append(sinks, kafka.New(cfg.Kafka, log))
	}

	if cfg.SMTP.Enabled {
		sinks = append(sinks, smtp.New(cfg.SMTP, log))
	}

	return output.NewFanout(log, sinks...), nil
}

// runFiles processes a file or directory once and writes results to the
// requested output.
func runFiles(cfg *config.Config, dispatcher *batch.Dispatcher, inputPath, outputFile, outputFormat string, log *zap.Logger) error {
	format := output.Format(strings.ToLower(outputFormat))
	if format != output.FormatJSON && format != output.FormatCSV {
		return fmt.Errorf("invalid output format %q", outputFormat)
	}

	fileSink, err := output.NewWriter(format, outputFile, log)
	if err != nil {
		return err
	}

	fanout, err := buildSinks(cfg, fileSink, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := fanout.Close(); err != nil {
			log.Error("Failed to close sinks", zap.Error(err))
		}
	}()

	messages, err := loadFiles(inputPath)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return fmt.Errorf("no files found in %s", inputPath)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	outcomes, err := dispatcher.Process(ctx, messages, "file")
	if err != nil {
		return err
	}

	var parsed, failed, empty int
	for _, outcome := range outcomes {
		fanout.Consume(outcome)
		switch {
		case outcome.Parsed():
			parsed++
		case outcome.Failure != nil:
			failed++
			log.Warn("Failed to parse file",
				zap.String("file", outcome.MessageID),
				zap.String("reason", outcome.Failure.Reason),
			)
		default:
			empty++
			log.Warn("No report found in file", zap.String("file", outcome.MessageID))
		}
	}

	log.Info("Processing completed",
		zap.Int("parsed", parsed),
		zap.Int("failed", failed),
		zap.Int("empty", empty),
	)
	if parsed == 0 {
		return fmt.Errorf("no reports parsed from %s", inputPath)
	}
	return nil
}

func loadFiles(inputPath string) ([]batch.Message, error) {
	stat, err := os.Stat(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat input: %w", err)
	}

	var paths []string
	if stat.IsDir() {
		entries, err := os.ReadDir(inputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			paths = append(paths, filepath.Join(inputPath, entry.Name()))
		}
	} else {
		paths = []string{inputPath}
	}

	messages := make([]batch.Message, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		messages = append(messages, batch.Message{ID: path, Raw: data})
	}
	return messages, nil
}

// runServices runs the mailbox watcher and the HTTP server until a signal
// arrives.
func runServices(cfg *config.Config, dispatcher *batch.Dispatcher, factory batch.ParserFactory, log *zap.Logger) {
	fanout, err := buildSinks(cfg, nil, log)
	if err != nil {
		log.Fatal("Failed to initialize sinks", zap.Error(err))
	}
	defer func() {
		if err := fanout.Close(); err != nil {
			log.Error("Failed to close sinks", zap.Error(err))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	services := 0

	var httpServer *httpserver.Server
	if cfg.HTTP.Enabled {
		uploadParser, err := factory()
		if err != nil {
			log.Fatal("Failed to build parser", zap.Error(err))
		}
		httpServer = httpserver.New(cfg.HTTP, uploadParser, fanout.Consume, log)
		services++
		go func() {
			defer func() { done <- struct{}{} }()
			if err := httpServer.Start(); err != nil {
				log.Error("HTTP server failed", zap.Error(err))
			}
		}()
	}

	if cfg.Watcher.Enabled {
		watcher := mailbox.New(watcherOptions(cfg.Watcher, fanout), dispatcher, log)
		services++
		go func() {
			defer func() { done <- struct{}{} }()
			var err error
			if cfg.Watcher.Watch {
				err = watcher.Run(ctx)
			} else {
				_, err = watcher.RunOnce(ctx)
			}
			if err != nil && ctx.Err() == nil {
				log.Error("Mailbox watcher failed", zap.Error(err))
			}
		}()
	}

	// Either a signal arrives or every service finishes on its own (the
	// single-pass watcher with no HTTP server does that).
	remaining := services
	for remaining > 0 {
		select {
		case <-ctx.Done():
			log.Info("Received signal, shutting down")
			remaining = 0
		case <-done:
			remaining--
		}
	}
	cancel()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Stop(shutdownCtx); err != nil {
			log.Error("Failed to stop HTTP server", zap.Error(err))
		}
	}

	log.Info("All services stopped")
}

func watcherOptions(cfg config.WatcherConfig, fanout *output.Fanout) mailbox.Options {
	return mailbox.Options{
		Host:               cfg.Host,
		Port:               cfg.Port,
		Username:           cfg.Username,
		Password:           cfg.Password,
		TLS:                cfg.TLS,
		SkipVerify:         cfg.SkipVerify,
		Mailbox:            cfg.Mailbox,
		ArchiveFolder:      cfg.ArchiveFolder,
		QuarantineFolder:   cfg.QuarantineFolder,
		DeleteProcessed:    cfg.DeleteProcessed,
		EmptyMessageAction: cfg.EmptyMessageAction,
		Watch:              cfg.Watch,
		IdleRefresh:        time.Duration(cfg.IdleRefresh) * time.Second,
		Timeout:            time.Duration(cfg.Timeout) * time.Second,
		OnOutcome:          fanout.Consume,
	}
}
