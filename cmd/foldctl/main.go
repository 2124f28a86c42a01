// foldctl loads files into a fold engine and reports what compression and
// deduplication make of them.
//
// Every regular file named on the command line (directories are walked)
// becomes one unit keyed by its path and tagged with its extension. After
// ingest, foldctl optionally deduplicates, optimizes storage, and prints a
// JSON report with engine statistics and active health alerts.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	cachemanager "github.com/foldcache/foldcache/cache-manager"
	"github.com/foldcache/foldcache/monitoring"
	"github.com/foldcache/foldcache/pkg/models"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options holds parsed command-line flags.
type options struct {
	configPath   string
	spillPath    string
	spillBytes   int64
	maxBytes     int64
	compression  string
	tags         []string
	deduplicate  bool
	optimize     bool
	metrics      bool
	logLevel     string
	jsonLogs     bool
	removeFilter string
}

// report is the JSON document foldctl prints.
type report struct {
	Ingested  int                `json:"ingested"`
	Failed    []string           `json:"failed,omitempty"`
	Removed   int                `json:"deduplicated"`
	Optimized int                `json:"recompressed"`
	Pruned    int                `json:"pruned,omitempty"`
	Stats     models.Statistics  `json:"statistics"`
	Alerts    []monitoring.Alert `json:"alerts"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts options

	flagSet := pflag.NewFlagSet("foldctl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "YAML engine configuration file")
	flagSet.StringVar(&opts.spillPath, "spill-path", "", "enable secondary storage in this region file")
	flagSet.Int64Var(&opts.spillBytes, "spill-bytes", 0, "secondary storage region size in bytes")
	flagSet.Int64Var(&opts.maxBytes, "max-bytes", 0, "resident compressed byte ceiling")
	flagSet.StringVar(&opts.compression, "compression", "", "codec: none, lz4, zstd, zstd-best or auto")
	flagSet.StringSliceVarP(&opts.tags, "tag", "t", nil, "extra tag applied to every ingested unit")
	flagSet.BoolVar(&opts.deduplicate, "dedup", true, "collapse units with identical content after ingest")
	flagSet.BoolVar(&opts.optimize, "optimize", false, "recompress stale units and defragment secondary storage")
	flagSet.BoolVar(&opts.metrics, "metrics", false, "include flattened metrics in the report")
	flagSet.StringVar(&opts.removeFilter, "remove", "", "remove keys matching this pattern before reporting")
	flagSet.StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	flagSet.BoolVar(&opts.jsonLogs, "json-logs", false, "write JSON log records to stderr")
	flagSet.Usage = func() {
		fmt.Fprintf(stderr, "Usage: foldctl [flags] <file or directory>...\n\nFlags:\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	paths := flagSet.Args()
	if len(paths) == 0 {
		flagSet.Usage()
		return fmt.Errorf("no input files")
	}

	logger, err := newLogger(stderr, opts.logLevel, opts.jsonLogs)
	if err != nil {
		return err
	}

	cfg, err := buildConfig(opts)
	if err != nil {
		return err
	}
	cfg.Logger = logger

	engine, err := cachemanager.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Shutdown(); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	files, err := collectFiles(paths)
	if err != nil {
		return err
	}
	items := make([]cachemanager.BatchItem, 0, len(files))
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		items = append(items, cachemanager.BatchItem{
			Key:     path,
			Content: data,
			Tags:    fileTags(path, opts.tags),
		})
	}

	results, err := engine.BatchCreate(ctx, items).Wait(ctx)
	if err != nil {
		return err
	}

	var out report
	for i, r := range results {
		if r.Err != nil {
			out.Failed = append(out.Failed, fmt.Sprintf("%s: %v", items[i].Key, r.Err))
			continue
		}
		out.Ingested++
	}

	if opts.deduplicate {
		out.Removed = engine.Deduplicate()
	}
	if opts.optimize {
		if out.Optimized, err = engine.OptimizeStorage(ctx); err != nil {
			return err
		}
	}
	if opts.removeFilter != "" {
		if out.Pruned, err = engine.RemovePattern(opts.removeFilter); err != nil {
			return err
		}
	}

	out.Stats = engine.Statistics()
	out.Alerts = engine.Health()
	if opts.metrics {
		out.Metrics = out.Stats.MetricMap("foldcache")
	}

	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

// buildConfig loads the config file, if any, and applies flag overrides.
func buildConfig(opts options) (cachemanager.Config, error) {
	cfg := cachemanager.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = cachemanager.LoadConfig(opts.configPath); err != nil {
			return cfg, err
		}
	}

	if opts.spillPath != "" {
		cfg.EnableSecondaryStorage = true
		cfg.StoragePath = opts.spillPath
	}
	if opts.spillBytes > 0 {
		cfg.SecondaryStorageBytes = opts.spillBytes
	}
	if opts.maxBytes > 0 {
		cfg.MaxCompressedBytes = opts.maxBytes
	}
	if opts.compression != "" {
		cfg.Compression = opts.compression
	}
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer, level string, jsonFormat bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	if jsonFormat {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
}

// collectFiles expands directories into the regular files beneath them.
// The result is sorted and free of duplicates.
func collectFiles(paths []string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() {
				seen[filepath.Clean(path)] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}

	files := make([]string, 0, len(seen))
	for path := range seen {
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

// fileTags returns the extension tag for path plus any extra tags.
func fileTags(path string, extra []string) []string {
	tags := append([]string(nil), extra...)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
		tags = append(tags, "ext:"+strings.ToLower(ext))
	}
	return tags
}
