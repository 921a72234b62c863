package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/srtmcache"
	"github.com/calvinalkan/srtmcache/internal/fetch"
	"github.com/calvinalkan/srtmcache/pkg/logging"
)

// tileIDPattern is the srtm_%02d_%02d naming of the 5x5 degree grid.
// The library treats tile IDs as opaque; only the CLI validates them.
var tileIDPattern = regexp.MustCompile(`^srtm_[0-9]{2}_[0-9]{2}$`)

type tileResult struct {
	tile    string
	outcome srtmcache.Outcome
	err     error
}

// Run is the srtmget entry point. args is the full argv including the
// program name; sig delivers shutdown signals (may be nil). Returns the
// process exit code: 0 when every tile resolved to an outcome, 1 on bad
// usage or any hard error.
func Run(out, errOut io.Writer, args []string, env map[string]string, sig <-chan os.Signal) int {
	def := DefaultConfig()

	fs := flag.NewFlagSet("srtmget", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false

	workDir := fs.StringP("cwd", "C", "", "run as if started in `dir`")
	configPath := fs.StringP("config", "c", "", "JSONC config `file` (default "+ConfigFileName+" if present)")
	outputDir := fs.StringP("output-dir", "o", def.OutputDir, "tile cache `dir`")
	baseURL := fs.String("base-url", def.BaseURL, "remote tile store base `url`")
	concurrency := fs.IntP("concurrency", "j", def.Concurrency, "tiles fetched in parallel")
	retries := fs.Int("retries", def.Retries, "download retry budget")
	backoff := fs.Duration("backoff", def.Backoff, "base wait between download retries")
	timeout := fs.Duration("timeout", def.Timeout, "per-tile time budget (0 means none)")
	verbose := fs.BoolP("verbose", "v", false, "debug logging")
	quiet := fs.Bool("quiet", false, "errors only")

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(out, fs)

			return 0
		}

		fprintln(errOut, "error:", err)
		printUsage(errOut, fs)

		return 1
	}

	tiles := fs.Args()
	if len(tiles) == 0 {
		fprintln(errOut, "error: no tiles given")
		printUsage(errOut, fs)

		return 1
	}

	for _, tile := range tiles {
		if !tileIDPattern.MatchString(tile) {
			fprintln(errOut, fmt.Sprintf("error: invalid tile id %q (want srtm_NN_NN, e.g. srtm_41_03)", tile))

			return 1
		}
	}

	if *verbose && *quiet {
		fprintln(errOut, "error: --verbose and --quiet cannot be used together")

		return 1
	}

	cfg, err := LoadConfig(LoadConfigInput{
		WorkDir:    *workDir,
		ConfigPath: *configPath,
		Env:        env,
		Overrides:  overridesFromFlags(fs, outputDir, baseURL, concurrency, retries, backoff, timeout),
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}

	if *quiet {
		level = "error"
	}

	log, err := logging.NewZap(level)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}
	defer func() { _ = log.Sync() }()

	cache, err := srtmcache.New(cfg.OutputDirAbs,
		srtmcache.WithBaseURL(cfg.BaseURL),
		srtmcache.WithFetcher(fetch.NewHTTP(
			fetch.WithRetries(cfg.Retries),
			fetch.WithBackoff(cfg.Backoff),
		)),
		srtmcache.WithLogger(log),
	)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()

	results := fetchTiles(ctx, cache, tiles, cfg)

	exitCode := 0

	for _, res := range results {
		if res.err != nil {
			fprintln(errOut, fmt.Sprintf("error: %s: %v", res.tile, res.err))

			exitCode = 1

			continue
		}

		fprintln(out, fmt.Sprintf("%s: %s", res.tile, res.outcome))
	}

	return exitCode
}

// fetchTiles resolves all tiles with at most cfg.Concurrency in flight.
// The first hard error cancels the remaining tiles; results come back in
// input order.
func fetchTiles(ctx context.Context, cache *srtmcache.Cache, tiles []string, cfg Config) []tileResult {
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(cfg.Concurrency)

	results := make([]tileResult, len(tiles))

	for i, tile := range tiles {
		grp.Go(func() error {
			tileCtx := grpCtx

			if cfg.Timeout > 0 {
				var cancelTile context.CancelFunc

				tileCtx, cancelTile = context.WithTimeout(grpCtx, cfg.Timeout)
				defer cancelTile()
			}

			outcome, err := cache.EnsureTile(tileCtx, tile)
			results[i] = tileResult{tile: tile, outcome: outcome, err: err}

			return err
		})
	}

	_ = grp.Wait()

	return results
}

func overridesFromFlags(fs *flag.FlagSet, outputDir, baseURL *string, concurrency, retries *int, backoff, timeout *time.Duration) Overrides {
	var overrides Overrides

	if fs.Changed("output-dir") {
		overrides.OutputDir = outputDir
	}

	if fs.Changed("base-url") {
		overrides.BaseURL = baseURL
	}

	if fs.Changed("concurrency") {
		overrides.Concurrency = concurrency
	}

	if fs.Changed("retries") {
		overrides.Retries = retries
	}

	if fs.Changed("backoff") {
		overrides.Backoff = backoff
	}

	if fs.Changed("timeout") {
		overrides.Timeout = timeout
	}

	return overrides
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fprintln(w, `srtmget - SRTM elevation tile prefetcher

Downloads SRTM GeoTIFF tiles into a shared on-disk cache. Each tile is
fetched at most once; concurrent runs over the same directory coordinate
through lock files next to the tiles.

Usage: srtmget [flags] TILE...

Tiles follow the 5x5 degree grid naming, e.g. srtm_41_03.

Flags:`)
	fprintln(w, fs.FlagUsages())
}
