package spvchain

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/spvchain/chainmetrics"
	"github.com/lightningnetwork/spvchain/headerchain"
	"github.com/lightningnetwork/spvchain/headers"
	"github.com/lightningnetwork/spvchain/headerstore"
	"github.com/lightningnetwork/spvchain/lnutils"
	"github.com/lightningnetwork/spvchain/pow"
	"github.com/lightningnetwork/spvchain/signal"
	"github.com/lightningnetwork/spvchain/spvcfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// metricsShutdownTimeout bounds how long the metrics server may take to
// drain its connections on shutdown.
const metricsShutdownTimeout = 5 * time.Second

// Main is the true entry point for spvchaind. It opens the finalized header
// store, builds the header chain, imports and synthesizes headers as
// configured and serves the chain metrics until a shutdown is requested.
// Without a metrics endpoint it returns once the import is done.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		spvdLog.Info("Shutdown complete")
		if err := cfg.LogRotator.Close(); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "could not close log "+
				"rotator:", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stop a running import as soon as a shutdown is requested.
	go func() {
		select {
		case <-interceptor.ShutdownChannel():
			cancel()
		case <-ctx.Done():
		}
	}()

	network := cfg.Network()
	spvdLog.Infof("Active network: %v", network)
	spvdLog.Debugf("Chain config: %v", lnutils.SpewLogClosure(cfg.Chain))

	dbPath := filepath.Join(cfg.DataDir, network.String())
	if err := lnutils.CreateDir(dbPath, 0700); err != nil {
		return err
	}

	monitor := newHealthMonitor(
		cfg.HealthChecks, dbPath, healthcheck.AvailableDiskSpaceRatio,
		spvdLog.Criticalf,
	)
	if err := monitor.Start(); err != nil {
		return fmt.Errorf("unable to start health monitor: %w", err)
	}
	defer func() {
		if err := monitor.Stop(); err != nil {
			spvdLog.Errorf("Unable to stop health monitor: %v", err)
		}
	}()

	db, err := cfg.DB.GetBackend(dbPath)
	if err != nil {
		err := fmt.Errorf("unable to open header database: %w", err)
		spvdLog.Error(err)

		return err
	}
	defer func() {
		spvdLog.Debugf("Closing header database")
		if err := db.Close(); err != nil {
			spvdLog.Errorf("Unable to close header database: %v",
				err)
		}
	}()

	clk := clock.NewDefaultClock()
	kvStore, err := headerstore.NewKVStore(db, clk)
	if err != nil {
		return err
	}

	startHeader := cfg.StartHeader()
	if cfg.Chain.Resume {
		startHeader, err = resumeHeader(ctx, kvStore, startHeader)
		if err != nil {
			return err
		}
	}

	chain, err := headerchain.New(&headerchain.Config{
		Network:           network,
		StartHeader:       startHeader,
		ConfirmationDepth: cfg.Chain.ConfirmationDepth,
		Store: headerstore.NewCachedStore(
			kvStore, cfg.Chain.CacheSize,
		),
		MaxOrphans: cfg.Chain.MaxOrphans,
		OrphanTTL:  cfg.Chain.OrphanTTL,
		Clock:      clk,
	})
	if err != nil {
		err := fmt.Errorf("unable to create header chain: %w", err)
		spvdLog.Error(err)

		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Prometheus.Enabled() {
		reg := prometheus.NewRegistry()
		err := chainmetrics.Register(reg, chain, network.String(), clk)
		if err != nil {
			return fmt.Errorf("unable to register metrics: %w", err)
		}

		serveMetrics(gctx, g, cfg.Prometheus.Listen, reg)
	}

	statTicker := ticker.New(cfg.StatsInterval)
	g.Go(func() error {
		logStats(gctx, chain, statTicker)
		return nil
	})

	g.Go(func() error {
		if err := syncChain(gctx, cfg, chain, clk); err != nil {
			return err
		}

		// Without a metrics endpoint there is nothing left to serve.
		if !cfg.Prometheus.Enabled() {
			cancel()
		}

		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		spvdLog.Infof("Interrupted, best tip %v", chain.TipHash())

		return nil
	}

	return err
}

// newHealthMonitor creates the monitor running the enabled health checks. A
// check that keeps failing is reported through shutdown.
func newHealthMonitor(cfg *spvcfg.HealthCheck, dbPath string,
	freeRatio func(string) (float64, error),
	shutdown func(string, ...interface{})) *healthcheck.Monitor {

	var checks []*healthcheck.Observation

	diskCfg := cfg.DiskCheck
	if diskCfg.Enabled() {
		checks = append(checks, healthcheck.NewObservation(
			"disk space",
			diskSpaceCheck(
				dbPath, diskCfg.RequiredRemaining, freeRatio,
			),
			diskCfg.Interval, diskCfg.Timeout, diskCfg.Backoff,
			diskCfg.Attempts,
		))
	}

	return healthcheck.NewMonitor(&healthcheck.Config{
		Checks:   checks,
		Shutdown: shutdown,
	})
}

// diskSpaceCheck returns a check that fails once the ratio of free space on
// the volume holding path drops below required.
func diskSpaceCheck(path string, required float64,
	freeRatio func(string) (float64, error)) func() error {

	return func() error {
		free, err := freeRatio(path)
		if err != nil {
			return fmt.Errorf("unable to read free space of %v: %w",
				path, err)
		}

		if free < required {
			return fmt.Errorf("require: %v free space, got: %v",
				required, free)
		}

		return nil
	}
}

// resumeHeader returns the most recently finalized header of the store, or
// the fallback if nothing was finalized yet.
func resumeHeader(ctx context.Context, store *headerstore.KVStore,
	fallback fn.Option[*headers.Record]) (fn.Option[*headers.Record],
	error) {

	last, err := store.LastHeader(ctx)
	switch {
	case errors.Is(err, headerstore.ErrHeaderNotFound):
		spvdLog.Infof("No finalized headers to resume from")
		return fallback, nil

	case err != nil:
		return fallback, fmt.Errorf("unable to read last finalized "+
			"header: %w", err)
	}

	spvdLog.Infof("Resuming from finalized header %v (#%d, finalized "+
		"at %v)", last.Header, last.Sequence, last.FinalizedAt)

	return fn.Some(last.Header), nil
}

// logStats logs the chain statistics on every tick of the ticker until the
// context is canceled. Unchanged statistics are not logged again.
func logStats(ctx context.Context, chain *headerchain.Chain,
	statTicker ticker.Ticker) {

	defer statTicker.Stop()
	statTicker.Resume()

	var last headerchain.Stats
	for {
		select {
		case <-statTicker.Ticks():
			stats := chain.Stats()
			if stats == last {
				continue
			}
			last = stats

			spvdLog.Infof("Chain stats: length=%d nodes=%d "+
				"branches=%d orphans=%d finalized=%d "+
				"rejected=%d duplicates=%d", stats.BestLength,
				stats.Nodes, stats.Branches, stats.Orphans,
				stats.Finalized, stats.Rejected,
				stats.Duplicates)

		case <-ctx.Done():
			return
		}
	}
}

// serveMetrics runs the Prometheus endpoint in the group until the context is
// canceled.
func serveMetrics(ctx context.Context, g *errgroup.Group, listen string,
	reg *prometheus.Registry) {

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		reg, promhttp.HandlerOpts{},
	))
	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		spvdLog.Infof("Prometheus exporter listening on %v", listen)

		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("prometheus exporter failed: %w", err)
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), metricsShutdownTimeout,
		)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})
}

// syncChain imports the configured headers file, mines the requested number
// of headers on top of the best tip and logs the resulting chain state.
func syncChain(ctx context.Context, cfg *Config, chain *headerchain.Chain,
	clk clock.Clock) error {

	if cfg.HeadersFile != "" {
		err := importHeaders(ctx, chain, cfg.HeadersFile, cfg.BatchSize)
		if err != nil {
			return err
		}
	}

	if cfg.Synthesize > 0 {
		if err := synthesizeHeaders(
			ctx, chain, cfg.Synthesize, clk,
		); err != nil {
			return err
		}
	}

	stats := chain.Stats()
	spvdLog.Infof("Best tip %v at length %d, difficulty %.6f, %d "+
		"branch(es), %d orphan(s), %d finalized", chain.TipHash(),
		stats.BestLength, stats.TipDifficulty, stats.Branches,
		stats.Orphans, stats.Finalized)

	return nil
}

// importHeaders feeds the headers in the file to the chain in batches. Each
// non-empty line holds one hex encoded header, lines starting with # are
// ignored. Rejected headers are logged and skipped, a store failure aborts
// the import.
func importHeaders(ctx context.Context, chain *headerchain.Chain,
	path string, batchSize int) error {

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("unable to open headers file: %w", err)
	}
	defer f.Close()

	var (
		batch    = make([]any, 0, batchSize)
		line     int
		total    int
		rejected int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		err := chain.AddHeaders(ctx, batch)

		var batchErr *headerchain.BatchError
		switch {
		case errors.As(err, &batchErr):
			rejected += len(batchErr.Failures)
			for _, failure := range batchErr.Failures {
				hdimLog.Debugf("Batch ending at line %d: %v",
					line, failure)
			}

		case err != nil:
			return err
		}

		total += len(batch)
		batch = batch[:0]

		hdimLog.Debugf("Imported %d headers, tip %v", total,
			chain.TipHash())

		return nil
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line++

		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		batch = append(batch, text)
		if len(batch) < batchSize {
			continue
		}

		if err := flush(); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("unable to read headers file: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}

	hdimLog.Infof("Imported %d headers from %v, %d failed", total, path,
		rejected)

	return nil
}

// synthesizeHeaders mines n headers on top of the best tip.
func synthesizeHeaders(ctx context.Context, chain *headerchain.Chain, n int,
	clk clock.Clock) error {

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tip := chain.LongestChain().Tip()
		prev := tip.BlockHeader()
		header, err := pow.SynthesizeHeader(&prev, tip.Bits(), clk)
		if err != nil {
			return fmt.Errorf("unable to synthesize header %d: %w",
				i, err)
		}

		accepted, err := chain.AddHeader(ctx, header)
		if err != nil {
			return err
		}
		if !accepted {
			return fmt.Errorf("synthesized header %v was not "+
				"accepted", header.BlockHash())
		}
	}

	hdimLog.Infof("Synthesized %d headers, tip %v", n, chain.TipHash())

	return nil
}
