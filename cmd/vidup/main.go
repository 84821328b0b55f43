package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/akarpov87/vidup"
)

var (
	flagConfig string
	flagTitle  string
	flagMeta   []string
	flagSim    bool
)

func main() {
	root := &cobra.Command{
		Use:           "vidup",
		Short:         "Resumable media uploads to a remote platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "vidup.yaml", "path to the configuration file")

	upload := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a media file over a resumable session",
		Args:  cobra.ExactArgs(1),
		RunE:  runUpload,
	}
	upload.Flags().StringVar(&flagTitle, "title", "", "title metadata for the resource")
	upload.Flags().StringArrayVar(&flagMeta, "meta", nil, "additional metadata as key=value, repeatable")
	upload.Flags().BoolVar(&flagSim, "simulate", false, "dry-run without network calls")
	root.AddCommand(upload)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vidup:", err)
		os.Exit(1)
	}
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(flagConfig)
	if err != nil && !(os.IsNotExist(err) && flagSim) {
		return err
	}
	set, err := cfg.resolve()
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	meta := vidup.Metadata{}
	if flagTitle != "" {
		meta["title"] = flagTitle
	}
	for _, kv := range flagMeta {
		k, v, found := strings.Cut(kv, "=")
		if !found {
			return fmt.Errorf("bad --meta %q, want key=value", kv)
		}
		meta[k] = v
	}

	done := make(chan vidup.Progress, 1)
	sink := func(p vidup.Progress) {
		printProgress(p)
		if p.Status == vidup.StatusCompleted || p.Status == vidup.StatusFailed || p.Status == vidup.StatusCancelled {
			select {
			case done <- p:
			default:
			}
		}
	}

	registry, err := buildRegistry(set, sink)
	if err != nil {
		return err
	}

	if set.StatusAddr != "" {
		srv := &http.Server{Addr: set.StatusAddr, Handler: statusHandler(registry)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintln(os.Stderr, "status server:", err)
			}
		}()
		defer srv.Close()
		fmt.Fprintln(os.Stderr, "status endpoint on", set.StatusAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go registry.EvictLoop(ctx, time.Minute)

	id, err := registry.Start(ctx, meta, info.Size(), f)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "upload %s started: %s (%s)\n",
		id, args[0], units.HumanSizeWithPrecision(float64(info.Size()), 3))

	select {
	case <-ctx.Done():
		n := registry.CancelAll()
		fmt.Fprintf(os.Stderr, "\ninterrupted, cancelling %d upload(s)...\n", n)
		p := <-done
		return reportOutcome(p)
	case p := <-done:
		return reportOutcome(p)
	}
}

func buildRegistry(set settings, sink vidup.ProgressFunc) (*vidup.Registry, error) {
	if flagSim {
		sim := vidup.NewSimulator(sink)
		sim.ChunkSize = set.ChunkSize
		return vidup.NewRegistry(sim, sink), nil
	}

	if set.Endpoint == "" {
		return nil, errors.New("no endpoint configured")
	}
	if set.Token == "" {
		return nil, errors.New("no token configured (set token or token_env)")
	}
	baseURL, err := url.Parse(set.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("endpoint: %w", err)
	}

	client := vidup.NewClient(http.DefaultClient, baseURL, vidup.StaticToken(set.Token))
	engine := vidup.NewEngine(client, sink)
	engine.ChunkSize = set.ChunkSize
	engine.BaseDelay = set.BaseDelay
	engine.MaxRetries = set.MaxRetries
	engine.RequestTimeout = set.RequestTimeout
	engine.ReportInterval = set.ReportEvery

	return vidup.NewRegistry(vidup.HTTPRunner{Client: client, Engine: engine}, sink), nil
}

func printProgress(p vidup.Progress) {
	line := fmt.Sprintf("\r%-12s %6.2f%%  %s / %s",
		p.Status, p.Percent,
		units.BytesSize(float64(p.BytesTransferred)), units.BytesSize(float64(p.TotalBytes)))
	if p.SpeedBps > 0 {
		line += fmt.Sprintf("  %s/s", units.BytesSize(p.SpeedBps))
	}
	if p.ETASeconds > 0 {
		line += fmt.Sprintf("  eta %s", (time.Duration(p.ETASeconds) * time.Second).Round(time.Second))
	}
	fmt.Fprint(os.Stderr, line)
}

func reportOutcome(p vidup.Progress) error {
	fmt.Fprintln(os.Stderr)
	switch p.Status {
	case vidup.StatusCompleted:
		fmt.Fprintf(os.Stderr, "done: %d bytes uploaded\n", p.BytesTransferred)
		return nil
	case vidup.StatusCancelled:
		return fmt.Errorf("cancelled at %d of %d bytes", p.BytesTransferred, p.TotalBytes)
	default:
		return fmt.Errorf("failed: %s", p.Error)
	}
}
