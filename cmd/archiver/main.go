// Copyright 2025 The SBN Software authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// archiver runs the two-stage run-record archiving pipeline: filesystem run
// directories into artdaqDB, then artdaqDB runs as framed text blobs into
// UconDB, with durable per-stage progress state and failure logs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"k8s.io/klog/v2"

	"github.com/SBNSoftware/run-record-archiver/internal/apperr"
	"github.com/SBNSoftware/run-record-archiver/internal/config"
	"github.com/SBNSoftware/run-record-archiver/internal/lock"
	"github.com/SBNSoftware/run-record-archiver/internal/orchestrator"
)

const (
	exitOK          = 0
	exitError       = 1
	exitUnexpected  = 2
	exitInterrupted = 130

	// forceExitWindow is the window within which repeated SIGINTs force an
	// immediate exit.
	forceExitWindow = 2 * time.Second
	forceExitCount  = 3
)

var (
	verbose            = flag.Bool("verbose", false, "Enable debug logging, overriding config.")
	incremental        = flag.Bool("incremental", false, "Run in incremental mode for both stages.")
	validate           = flag.Bool("validate", false, "Validate blob metadata after migration upload.")
	importOnly         = flag.Bool("import-only", false, "Run only the filesystem to artdaqDB import stage.")
	migrateOnly        = flag.Bool("migrate-only", false, "Run only the artdaqDB to UconDB migration stage.")
	retryFailedImport  = flag.Bool("retry-failed-import", false, "Retry failed runs from the import failure log.")
	retryFailedMigrate = flag.Bool("retry-failed-migrate", false, "Retry failed runs from the migration failure log.")
	reportStatus       = flag.Bool("report-status", false, "Report archive status across all sources; no mutation.")
	compareState       = flag.Bool("compare-state", false, "Like -report-status, plus comparison against recorded state.")
	recoverImport      = flag.Bool("recover-import-state", false, "Rebuild import state from external sources.")
	recoverMigrate     = flag.Bool("recover-migrate-state", false, "Rebuild migration state from external sources.")
)

func main() {
	os.Exit(run())
}

func run() int {
	klog.InitFlags(nil)
	flag.Parse()

	mode, err := buildMode()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		flag.Usage()
		return exitError
	}

	configFile := "config.yaml"
	if flag.NArg() > 0 {
		configFile = flag.Arg(0)
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		klog.Errorf("An application error occurred: %v", err)
		return exitError
	}
	if err := os.MkdirAll(cfg.App.WorkDir, 0o755); err != nil {
		klog.Errorf("Cannot create work dir %s: %v", cfg.App.WorkDir, err)
		return exitError
	}
	setupLogging(cfg, *verbose)
	defer klog.Flush()

	held, err := lock.Acquire(cfg.App.LockFile)
	if err != nil {
		if errors.Is(err, apperr.ErrLockHeld) {
			klog.Warningf("An application error occurred: %v", err)
			return exitError
		}
		klog.Errorf("An application error occurred: %v", err)
		return exitError
	}
	defer held.Release()

	klog.Info("Run Record Archiver starting.")
	orch, err := orchestrator.New(cfg)
	if err != nil {
		klog.Errorf("An application error occurred: %v", err)
		return exitError
	}
	orch.WatchLock(held)

	interrupted := watchSignals(orch, held)

	code, err := orch.Run(context.Background(), mode)
	if err != nil {
		return reportFatal(orch, err)
	}
	klog.Infof("Run Record Archiver finished with final exit code %d.", code)

	if code != 0 && orch.ShutdownRequested() {
		select {
		case <-interrupted:
			return exitInterrupted
		default:
		}
	}
	return code
}

// buildMode validates the mutually exclusive mode flags.
func buildMode() (orchestrator.Mode, error) {
	m := orchestrator.Mode{
		ImportOnly:         *importOnly,
		MigrateOnly:        *migrateOnly,
		RetryFailedImport:  *retryFailedImport,
		RetryFailedMigrate: *retryFailedMigrate,
		ReportStatus:       *reportStatus || *compareState,
		CompareState:       *compareState,
		RecoverImport:      *recoverImport,
		RecoverMigrate:     *recoverMigrate,
		Incremental:        *incremental,
		Validate:           *validate,
	}
	count := 0
	for _, set := range []bool{
		*importOnly, *migrateOnly, *retryFailedImport, *retryFailedMigrate,
		*reportStatus, *recoverImport, *recoverMigrate,
	} {
		if set {
			count++
		}
	}
	if *compareState && !*reportStatus {
		count++
	}
	if count > 1 {
		return m, errors.New("at most one execution mode flag may be given")
	}
	return m, nil
}

// setupLogging points klog at stderr plus the optional rotating log file.
func setupLogging(cfg *config.Config, verbose bool) {
	if verbose {
		_ = flag.Set("v", "1")
	}
	if cfg.App.LogFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(cfg.App.LogFile), 0o755); err != nil {
		klog.Errorf("Failed to configure file logging at %s: %v", cfg.App.LogFile, err)
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.App.LogFile,
		MaxSize:    10, // MiB
		MaxBackups: 5,
	}
	klog.LogToStderr(false)
	klog.SetOutput(io.MultiWriter(os.Stderr, rotator))
}

// watchSignals converts the first SIGINT into a graceful shutdown request
// and forces exit code 130 on three SIGINTs inside the force window. The
// returned channel is closed once a SIGINT has been seen.
func watchSignals(orch *orchestrator.Orchestrator, held *lock.Lock) <-chan struct{} {
	interrupted := make(chan struct{})
	sigCh := make(chan os.Signal, forceExitCount)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		var times []time.Time
		first := true
		for range sigCh {
			now := time.Now()
			times = append(times, now)
			for len(times) > 0 && now.Sub(times[0]) > forceExitWindow {
				times = times[1:]
			}
			if len(times) >= forceExitCount {
				klog.Errorf("Received %d interrupts within %s - exiting immediately", forceExitCount, forceExitWindow)
				klog.Flush()
				held.Release()
				os.Exit(exitInterrupted)
			}
			if first {
				first = false
				close(interrupted)
				orch.RequestShutdown("SIGINT")
			}
		}
	}()
	return interrupted
}

// reportFatal renders the failure summary and maps the error to an exit
// code: known archiver errors exit 1, anything else exits 2.
func reportFatal(orch *orchestrator.Orchestrator, err error) int {
	stageName := orch.CurrentStage()
	if stageName == "" {
		stageName = "Unknown"
	}
	var appErr *apperr.Error
	var cfgErr *apperr.ConfigError
	switch {
	case errors.As(err, &appErr), errors.As(err, &cfgErr), errors.Is(err, apperr.ErrLockHeld):
		klog.Errorf("Stage %q failed with error: %v", stageName, err)
		return exitError
	default:
		klog.Errorf("Stage %q failed with unexpected error: %v", stageName, err)
		return exitUnexpected
	}
}
