package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ppiankov/comicwatch/internal/config"
	"github.com/ppiankov/comicwatch/internal/history"
	"github.com/ppiankov/comicwatch/internal/layout"
	"github.com/ppiankov/comicwatch/internal/logging"
	"github.com/ppiankov/comicwatch/internal/pidfile"
	"github.com/ppiankov/comicwatch/internal/profile"
	"github.com/ppiankov/comicwatch/internal/scheduler"
	"github.com/ppiankov/comicwatch/internal/server"
	"github.com/ppiankov/comicwatch/internal/store"
	"github.com/ppiankov/comicwatch/internal/watch"
	"github.com/ppiankov/comicwatch/internal/worker"
)

var (
	serveDataDir string
	servePort    int
	servePrepURL string
	serveOcrURL  string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Pipeline data directory (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Observability HTTP port (overrides config)")
	serveCmd.Flags().StringVar(&servePrepURL, "prep-url", "", "Prep worker base URL (overrides config)")
	serveCmd.Flags().StringVar(&serveOcrURL, "ocr-url", "", "OCR worker base URL (overrides config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline orchestrator",
	Long:  "Watches the inbox for comic archives, drives each job through the\nprep and OCR workers, and serves the observability API over HTTP.\nJob state survives restarts; interrupted jobs are requeued on boot.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	set, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveDataDir != "" {
		set.DataDir = serveDataDir
	}
	if servePort != 0 {
		set.HTTPPort = servePort
	}
	if servePrepURL != "" {
		set.PrepURL = servePrepURL
	}
	if serveOcrURL != "" {
		set.OcrURL = serveOcrURL
	}

	logging.Setup(logging.Options{
		Level:     set.LogLevel,
		JSON:      set.LogJSON,
		File:      set.LogFile,
		MaxSizeMB: set.LogRotateMaxMB,
		Backups:   set.LogRotateBackups,
	})
	log := logrus.WithField("component", "serve")

	lay := layout.New(set.DataDir)
	if err := lay.EnsureLayout(); err != nil {
		return fmt.Errorf("create data layout: %w", err)
	}

	if err := pidfile.Acquire(lay.PIDPath()); err != nil {
		return fmt.Errorf("already running? %w", err)
	}
	defer pidfile.Release(lay.PIDPath())

	// History is best-effort: a broken ledger must not stop the pipeline.
	var rec store.Recorder
	ledger, err := history.Open(lay.HistoryPath())
	if err != nil {
		log.WithError(err).Warn("job history disabled")
		ledger = nil
	} else {
		rec = ledger
		defer ledger.Close()
	}

	st := store.New(lay, rec)

	prep := worker.NewClient(set.PrepURL, lay.WorkDir())
	ocr := worker.NewClient(set.OcrURL, lay.WorkDir())

	prepInfo, err := prep.Info()
	if err != nil {
		log.WithError(err).Warn("prep worker unreachable, using fallback versions")
	}
	ocrInfo, err := ocr.Info()
	if err != nil {
		log.WithError(err).Warn("ocr worker unreachable, using fallback versions")
	}
	prof := profile.Canonical(prepInfo.Versions, ocrInfo.Versions, set.OcrLang)

	met := store.NewMetrics()
	rt := config.NewRuntime(set)

	sched, err := scheduler.New(scheduler.Config{
		Layout:          lay,
		Store:           st,
		Metrics:         met,
		Runtime:         rt,
		Prep:            prep,
		Ocr:             ocr,
		Profile:         prof,
		MaxJobsInFlight: set.MaxJobsInFlight,
		MaxAttemptsPrep: set.MaxAttemptsPrep,
		MaxAttemptsOcr:  set.MaxAttemptsOcr,
		KeepWorkDirDays: set.KeepWorkDirDays,
		MinPdfSizeBytes: set.MinPdfSizeBytes,
		DiskFreeFactor:  set.DiskFreeFactor,
		MaxInputSizeMB:  set.MaxInputSizeMB,
		PollInterval:    time.Duration(set.PollIntervalMS) * time.Millisecond,
		Log:             log,
	})
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	srv := server.New(server.Config{
		Bind:     set.HTTPBind,
		Port:     set.HTTPPort,
		Layout:   lay,
		Metrics:  met,
		Runtime:  rt,
		Settings: set,
		Flights:  sched.SnapshotFlights,
		Ledger:   ledger,
		Log:      log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := srv.Start(ctx); err != nil {
			log.WithError(err).Error("observability server failed")
		}
	}()

	wake := make(chan struct{}, 1)
	inbox := watch.NewInbox(lay.InDir(), wake)
	go func() {
		if err := inbox.Run(ctx); err != nil {
			log.WithError(err).Warn("inbox watcher stopped, relying on poll ticks")
		}
	}()

	if cfgPath != "" {
		reloader, err := config.NewReloader(cfgPath, rt, log)
		if err != nil {
			log.WithError(err).Warn("config hot-reload disabled")
		} else {
			go func() {
				if err := reloader.Run(ctx); err != nil {
					log.WithError(err).Warn("config hot-reload stopped")
				}
			}()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	log.WithFields(logrus.Fields{
		"data_dir": set.DataDir,
		"http":     fmt.Sprintf("%s:%d", set.HTTPBind, set.HTTPPort),
		"prep_url": set.PrepURL,
		"ocr_url":  set.OcrURL,
	}).Info("comicwatch started")

	return sched.Run(ctx, wake)
}
