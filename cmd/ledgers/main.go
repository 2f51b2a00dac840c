package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/danmuck/dps_ledgers/src/client"
	"github.com/danmuck/dps_ledgers/src/ledger"
	logs "github.com/danmuck/smplog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "client config file (toml)")
	dir := flag.String("dir", "local/ledgers", "metadata directory when no config is given")
	entries := flag.Int("entries", 5, "entries to write into the demo ledger")
	metricsAddr := flag.String("metrics", "", "serve prometheus metrics on this address and keep running")
	flag.Parse()

	cfg := client.DefaultConfig(*dir)
	if *configPath != "" {
		loaded, err := client.LoadConfig(*configPath)
		if err != nil {
			logs.Fatalf(err, "failed to load config")
		}
		cfg = loaded
	}

	reg := prometheus.NewRegistry()
	c, cluster, err := client.NewFromConfig(cfg, reg)
	if err != nil {
		logs.Fatalf(err, "failed to build client")
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, c, cfg, *entries); err != nil {
		logs.Errorf(err, "demo failed")
	}

	logs.Titlef("\nBookies (%d)\n", len(cluster.IDs()))
	for _, id := range cluster.IDs() {
		logs.DataKV(string(id), fmt.Sprintf("ledgers=%v down=%v", cluster.Bookie(id).Ledgers(), cluster.Bookie(id).IsDown()))
	}

	if *metricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	logs.Infof("metrics listening on %s", *metricsAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logs.Errorf(err, "metrics server exited")
	}
}

func run(ctx context.Context, c *client.Client, cfg client.Config, n int) error {
	p := cfg.DefaultPolicy
	lh, err := c.CreateLedger(ctx, p.EnsembleSize, p.WriteQuorumSize, p.AckQuorumSize, cfg.DefaultDigest, []byte("demo"),
		client.WithCustomMetadata(map[string][]byte{"application": []byte("ledgers-demo")}))
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if _, err := lh.AddEntry(ctx, []byte(fmt.Sprintf("demo entry %d", i))); err != nil {
			return err
		}
	}
	if err := lh.Close(ctx); err != nil {
		return err
	}

	md := lh.Metadata()
	logs.Titlef("\nLedger %s\n", lh.ID())
	logs.DataKV("policy", md.Policy.String())
	logs.DataKV("ensemble", md.Ensemble.String())
	logs.DataKV("digest", md.DigestType.String())
	logs.DataKV("state", md.State.String())
	logs.Dataf("last entry: %d  length: %d\n", md.LastEntryID, md.Length)

	it, err := c.Admin().ReadEntries(ctx, lh.ID(), 0, ledger.LastAddConfirmed)
	if err != nil {
		return err
	}
	logs.Titlef("\nEntries\n")
	for e, err := range it.All() {
		if err != nil {
			return err
		}
		logs.Dataf("  %d: %q\n", e.EntryID, e.Payload)
	}
	return nil
}
