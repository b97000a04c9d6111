// Package main is the entry point for the call-scoring pipeline coordinator.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/anthropics/callscore-engine/internal/classifier"
	"github.com/anthropics/callscore-engine/internal/config"
	"github.com/anthropics/callscore-engine/internal/discovery"
	"github.com/anthropics/callscore-engine/internal/domain"
	"github.com/anthropics/callscore-engine/internal/ipc"
	"github.com/anthropics/callscore-engine/internal/jobspec"
	"github.com/anthropics/callscore-engine/internal/metrics"
	"github.com/anthropics/callscore-engine/internal/report"
	"github.com/anthropics/callscore-engine/internal/sched"
	"github.com/anthropics/callscore-engine/internal/store"
	"github.com/anthropics/callscore-engine/internal/tracker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to configuration YAML file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("callscore %s (commit=%s, built=%s)\n", version, commit, date)
		os.Exit(0)
	}

	// Resolve config path: --config flag > CALLSCORE_CONFIG env > auto-discover.
	path := *configPath
	if path == "" {
		path = os.Getenv("CALLSCORE_CONFIG")
	}
	if path == "" {
		path = discoverConfig()
	}
	if path == "" {
		fatal("no config found. Place config.yaml next to the binary, use --config <path>, or set CALLSCORE_CONFIG.")
	}

	cfg, err := config.Load(path)
	if err != nil {
		fatal(fmt.Sprintf("load config: %v", err))
	}

	st, err := openStore(cfg)
	if err != nil {
		fatal(fmt.Sprintf("open state store: %v", err))
	}
	defer st.Close()

	units, err := discovery.Scan(cfg.InputRoot)
	if err != nil {
		fatal(fmt.Sprintf("scan input root: %v", err))
	}
	if len(units) == 0 {
		fatal(fmt.Sprintf("no work units under %s", cfg.InputRoot))
	}
	log.Printf("discovered %d work units under %s", len(units), cfg.InputRoot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, u := range units {
		if err := st.PutUnit(ctx, u); err != nil {
			fatal(fmt.Sprintf("record unit %s: %v", u.ID, err))
		}
	}

	builder := jobspec.NewBuilder(cfg)
	if err := builder.Validate(); err != nil {
		fatal(fmt.Sprintf("validate job inputs: %v", err))
	}

	m := metrics.New()
	cls := classifier.New(cfg.Threshold, m, log.Default())
	tr := tracker.New(st, sched.NewSlurm(nil), builder, cls, m, tracker.Config{
		PollInterval: cfg.PollInterval.Std(),
		Staleness:    cfg.Staleness(),
		MaxAttempts:  cfg.MaxAttempts,
		MaxInFlight:  cfg.MaxInFlight,
	}, nil, log.Default())

	// Status API.
	var srv *ipc.Server
	if cfg.ListenAddr != "" {
		handler := &ipc.Handler{
			Store:     st,
			Canceller: tr,
			Threshold: cfg.Threshold,
			Version:   version,
		}
		srv = ipc.NewServer(handler, cfg.ListenAddr, m.Registry())
		go func() {
			log.Printf("status API listening on %s", ipc.FormatListenURL(cfg.ListenAddr))
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				log.Printf("status API: %v", err)
			}
		}()
	}

	// First interrupt cancels every tracked job and stops the run; a second
	// one exits immediately.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("interrupt: cancelling tracked jobs...")
		cancelCtx, cancelDone := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelDone()
		if err := tr.CancelAll(cancelCtx); err != nil {
			log.Printf("cancel jobs: %v", err)
		}
		cancel()
		<-sigCh
		os.Exit(1)
	}()

	if err := tr.SubmitAll(ctx); err != nil {
		fatal(fmt.Sprintf("submit jobs: %v", err))
	}
	if err := tr.Run(ctx); err != nil && err != context.Canceled {
		fatal(fmt.Sprintf("track jobs: %v", err))
	}

	if srv != nil {
		shutCtx, shutDone := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Printf("status API shutdown: %v", err)
		}
		shutDone()
	}

	// A resumed or interrupted run may hold units whose job finished but
	// whose results were never sorted. Sweep them before reporting.
	classifySweep(context.Background(), st, cls)

	rpt, err := writeRunReport(context.Background(), st, cfg)
	if err != nil {
		fatal(fmt.Sprintf("write run report: %v", err))
	}
	log.Printf("run complete: %d classified, %d unclassified, %d failed, %d cancelled, %d skipped",
		rpt.Classified, rpt.Unclassified, rpt.Failed, rpt.Cancelled, rpt.Skipped)

	if rpt.Failed > 0 || rpt.Unclassified > 0 {
		os.Exit(2)
	}
}

// classifySweep retries result sorting for units whose job succeeded but
// whose results never landed in a bucket, which can happen when a previous
// run was interrupted between job completion and classification.
func classifySweep(ctx context.Context, st store.Store, cls *classifier.Classifier) {
	units, err := st.ListUnits(ctx)
	if err != nil {
		log.Printf("classification sweep: %v", err)
		return
	}
	for _, u := range units {
		if u.Status != domain.UnitSucceeded && u.Status != domain.UnitUnclassified {
			continue
		}
		if err := cls.ClassifyUnit(ctx, u); err != nil {
			log.Printf("unit %s: classification sweep: %v", u.ID, err)
			u.Status = domain.UnitUnclassified
			u.StatusReason = err.Error()
		} else {
			u.Status = domain.UnitClassified
			u.StatusReason = ""
		}
		if err := st.PutUnit(ctx, u); err != nil {
			log.Printf("unit %s: classification sweep: %v", u.ID, err)
		}
	}
}

// writeRunReport rolls every unit's terminal state into run_report.md and
// run_report.json under the shared logs directory.
func writeRunReport(ctx context.Context, st store.Store, cfg *config.Config) (report.RunReport, error) {
	units, err := st.ListUnits(ctx)
	if err != nil {
		return report.RunReport{}, err
	}

	outcomes := make([]report.UnitOutcome, 0, len(units))
	for _, u := range units {
		jobs, err := st.ListJobsByUnit(ctx, u.ID)
		if err != nil {
			return report.RunReport{}, err
		}
		o := report.UnitOutcome{Unit: u, Jobs: jobs}
		if u.Status == domain.UnitClassified {
			// Per-record errors were already surfaced during classification.
			results, _, err := classifier.LoadResults(u.Dir)
			if err == nil {
				o.Results = results
			}
		}
		outcomes = append(outcomes, o)
	}

	rpt := report.Aggregate(outcomes, cfg.Threshold, time.Now())
	logsDir := filepath.Join(cfg.InputRoot, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return rpt, err
	}
	if err := report.WriteRunReport(logsDir, rpt); err != nil {
		return rpt, err
	}
	return rpt, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.StateDB == "" {
		return store.NewMemory(), nil
	}
	return store.NewSQLite(cfg.StateDB)
}

// discoverConfig looks for config.yaml next to the executable, then in the cwd.
func discoverConfig() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
	os.Exit(1)
}
