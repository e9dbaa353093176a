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

// Package orchestrator wires the clients and stages together, selects the
// execution mode, and runs the shutdown control plane: the shared shutdown
// predicate the stages poll, and the watchdog that converts lock-file
// removal into a graceful stop.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/SBNSoftware/run-record-archiver/internal/apperr"
	"github.com/SBNSoftware/run-record-archiver/internal/client/artdaq"
	"github.com/SBNSoftware/run-record-archiver/internal/client/carbon"
	"github.com/SBNSoftware/run-record-archiver/internal/client/fuzz"
	"github.com/SBNSoftware/run-record-archiver/internal/client/ucondb"
	"github.com/SBNSoftware/run-record-archiver/internal/config"
	"github.com/SBNSoftware/run-record-archiver/internal/importer"
	"github.com/SBNSoftware/run-record-archiver/internal/lock"
	"github.com/SBNSoftware/run-record-archiver/internal/migrator"
	"github.com/SBNSoftware/run-record-archiver/internal/notify"
	"github.com/SBNSoftware/run-record-archiver/internal/recovery"
	"github.com/SBNSoftware/run-record-archiver/internal/reporter"
	"github.com/SBNSoftware/run-record-archiver/internal/stage"
)

const banner = "============================================================"

// lockPollPeriod is how often the watchdog re-validates the lock file.
const lockPollPeriod = time.Second

// Mode selects what a single archiver invocation does.
type Mode struct {
	ImportOnly         bool
	MigrateOnly        bool
	RetryFailedImport  bool
	RetryFailedMigrate bool
	ReportStatus       bool
	CompareState       bool
	RecoverImport      bool
	RecoverMigrate     bool
	Incremental        bool
	Validate           bool
}

// Description renders the mode for the startup banner.
func (m Mode) Description() string {
	variant := "Full"
	if m.Incremental {
		variant = "Incremental"
	}
	switch {
	case m.RecoverImport:
		return "Recover Import State"
	case m.RecoverMigrate:
		return "Recover Migration State"
	case m.CompareState:
		return "Status Report (with state comparison)"
	case m.ReportStatus:
		return "Status Report"
	case m.RetryFailedImport:
		return "Retry Failed Imports"
	case m.RetryFailedMigrate:
		return "Retry Failed Migrations"
	case m.ImportOnly:
		return fmt.Sprintf("Import Only (%s)", variant)
	case m.MigrateOnly:
		return fmt.Sprintf("Migration Only (%s)", variant)
	default:
		return fmt.Sprintf("Full Pipeline (%s)", variant)
	}
}

// Orchestrator owns the clients and stages for one invocation.
type Orchestrator struct {
	cfg      *config.Config
	artdaq   artdaq.Client
	ucon     *ucondb.Client
	carbon   *carbon.Client
	importer *importer.Importer
	migrator *migrator.Migrator
	reporter *reporter.Reporter

	mu             sync.Mutex
	shutdown       bool
	shutdownReason string
	currentStage   string

	watchdogStop chan struct{}
	watchdogDone chan struct{}
}

// New constructs all components from the configuration.
func New(cfg *config.Config) (*Orchestrator, error) {
	klog.Info("Initializing Run Record Archiver components...")
	klog.V(1).Infof("Configuration: %s", cfg)

	injector := fuzz.New(
		cfg.Fuzz.RandomSkipPercent, cfg.Fuzz.RandomSkipRetry,
		cfg.Fuzz.RandomErrorPercent, cfg.Fuzz.RandomErrorRetry,
		time.Now().UnixNano())

	toolCfg := artdaq.ToolConfig{
		DatabaseURI: cfg.ArtdaqDB.DatabaseURI,
		RemoteHost:  cfg.ArtdaqDB.RemoteHost,
		Injector:    injector,
	}
	var artdaqClient artdaq.Client
	var err error
	if cfg.ArtdaqDB.UseTools {
		artdaqClient, err = artdaq.NewToolClient(toolCfg)
	} else {
		artdaqClient, err = artdaq.NewSerializedClient(toolCfg)
	}
	if err != nil {
		return nil, apperr.Configf("artdaqDB client: %v", err)
	}

	uconClient := ucondb.New(ucondb.Config{
		ServerURL:      cfg.UconDB.ServerURL,
		FolderName:     cfg.UconDB.FolderName,
		ObjectName:     cfg.UconDB.ObjectName,
		WriterUser:     cfg.UconDB.WriterUser,
		WriterPassword: cfg.UconDB.WriterPassword,
		Timeout:        time.Duration(cfg.UconDB.TimeoutSeconds) * time.Second,
		DataURLPrefix:  cfg.UconDB.DataURLPrefix,
	}, injector)

	carbonClient := carbon.New(cfg.Carbon.Host, cfg.Carbon.Port, cfg.Carbon.MetricPrefix, cfg.Carbon.Enabled)
	notifier := notify.New(cfg.Reporting)

	o := &Orchestrator{
		cfg:    cfg,
		artdaq: artdaqClient,
		ucon:   uconClient,
		carbon: carbonClient,
	}
	exec := &stage.Executor{
		Retries:       cfg.App.RunProcessRetries,
		RetryDelay:    time.Duration(cfg.App.RetryDelaySeconds) * time.Second,
		ShutdownCheck: o.ShutdownRequested,
		Notify:        notifier.SendFailureReport,
	}
	o.importer, err = importer.New(cfg, artdaqClient, exec)
	if err != nil {
		return nil, apperr.Configf("import stage: %v", err)
	}
	o.migrator = migrator.New(cfg, artdaqClient, uconClient, carbonClient, exec)
	o.reporter = reporter.New(cfg, artdaqClient, uconClient)
	klog.Info("All components initialized successfully.")
	return o, nil
}

// RequestShutdown flips the shared predicate. The first reason wins.
func (o *Orchestrator) RequestShutdown(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.shutdown {
		return
	}
	o.shutdown = true
	o.shutdownReason = reason
	klog.Infof("Shutdown requested (%s) - will stop after current run completes", reason)
}

// ShutdownRequested is the predicate the stages poll between completions.
func (o *Orchestrator) ShutdownRequested() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shutdown
}

// ShutdownReason returns the first recorded shutdown reason.
func (o *Orchestrator) ShutdownReason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shutdownReason
}

// CurrentStage names the stage in flight, for error context.
func (o *Orchestrator) CurrentStage() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentStage
}

func (o *Orchestrator) setStage(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.currentStage = name
}

// WatchLock starts the watchdog that polls the lock at 1 Hz and requests a
// graceful shutdown if the lock file disappears or changes owner.
func (o *Orchestrator) WatchLock(l *lock.Lock) {
	o.watchdogStop = make(chan struct{})
	o.watchdogDone = make(chan struct{})
	go func() {
		defer close(o.watchdogDone)
		ticker := time.NewTicker(lockPollPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-o.watchdogStop:
				return
			case <-ticker.C:
				if !l.IsValid() {
					klog.Warning("LOCK FILE REMOVED - INITIATING GRACEFUL SHUTDOWN")
					klog.Warningf("Lock file: %s - process will finish current runs and exit", l.Path())
					o.RequestShutdown("Lock file removed")
					return
				}
			}
		}
	}()
	klog.V(1).Infof("Lock watchdog started (pid %d)", l.PID())
}

// StopWatchdog stops the lock watchdog if it is running.
func (o *Orchestrator) StopWatchdog() {
	if o.watchdogStop == nil {
		return
	}
	select {
	case <-o.watchdogDone:
	default:
		close(o.watchdogStop)
		<-o.watchdogDone
	}
	o.watchdogStop = nil
	klog.V(1).Info("Lock watchdog stopped")
}

func (o *Orchestrator) logStageCompletion(name string, code int) {
	if code == 0 {
		klog.Infof("%s Stage completed successfully (exit code: %d)", name, code)
	} else {
		klog.Warningf("%s Stage completed with failures (exit code: %d)", name, code)
	}
}

func (o *Orchestrator) stageBanner(lines ...string) {
	klog.Info(banner)
	for _, l := range lines {
		klog.Info(l)
	}
	klog.Info(banner)
}

// Run executes the selected mode and returns the process exit code. A
// returned error is annotated with the failing stage and is fatal.
func (o *Orchestrator) Run(ctx context.Context, m Mode) (code int, err error) {
	defer o.StopWatchdog()

	if m.ReportStatus || m.CompareState {
		o.setStage("Status Report")
		if err := o.reporter.GenerateReport(ctx, m.CompareState); err != nil {
			return 1, apperr.Wrap(fmt.Errorf("status report failed: %v", err), "Status Report", 0)
		}
		return 0, nil
	}
	if m.RecoverImport {
		o.setStage("Import State Recovery")
		if err := recovery.RecoverImportState(ctx, o.cfg, o.artdaq); err != nil {
			return 1, apperr.Wrap(err, "Import State Recovery", 0)
		}
		return 0, nil
	}
	if m.RecoverMigrate {
		o.setStage("Migration State Recovery")
		if err := recovery.RecoverMigrateState(ctx, o.cfg, o.artdaq, o.ucon); err != nil {
			return 1, apperr.Wrap(err, "Migration State Recovery", 0)
		}
		return 0, nil
	}

	klog.Infof("=== Execution Mode: %s ===", m.Description())
	o.artdaq.SetIncrementalMode(m.Incremental)
	o.ucon.SetIncrementalMode(m.Incremental)

	if version, err := o.ucon.Version(ctx); err == nil {
		klog.Infof("Connected to UconDB server, version: %s", version)
	} else {
		klog.Warningf("Could not query UconDB server version: %v", err)
	}

	importRC, migrateRC := 0, 0
	modeName := "Full"
	if m.Incremental {
		modeName = "Incremental"
	}

	switch {
	case m.RetryFailedImport:
		o.setStage("Import Recovery")
		o.stageBanner("STAGE: Import Recovery - Retrying failed imports")
		importRC = o.importer.RunFailureRecovery(ctx)
		o.logStageCompletion("Import Recovery", importRC)
	case !m.MigrateOnly && !m.RetryFailedMigrate:
		o.setStage("Import")
		o.stageBanner(
			"STAGE: Import - Importing runs from filesystem to ArtdaqDB",
			"Mode: "+modeName)
		importRC = o.importer.Run(ctx, m.Incremental)
		o.logStageCompletion("Import", importRC)
	}

	switch {
	case m.RetryFailedMigrate:
		o.setStage("Migration Recovery")
		o.stageBanner("STAGE: Migration Recovery - Retrying failed migrations")
		migrateRC = o.migrator.RunFailureRecovery(ctx)
		o.logStageCompletion("Migration Recovery", migrateRC)
	case !m.ImportOnly && !m.RetryFailedImport:
		o.setStage("Migration")
		o.stageBanner(
			"STAGE: Migration - Migrating runs from ArtdaqDB to UconDB",
			"Mode: "+modeName)
		migrateRC = o.migrator.Run(ctx, m.Incremental, m.Validate)
		o.logStageCompletion("Migration", migrateRC)
	}

	if importRC != 0 {
		return importRC, nil
	}
	return migrateRC, nil
}
