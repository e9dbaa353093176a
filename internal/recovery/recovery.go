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

// Package recovery rebuilds the durable stage state from the authoritative
// external sources after a corrupted or lost work directory.
package recovery

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/SBNSoftware/run-record-archiver/internal/client/artdaq"
	"github.com/SBNSoftware/run-record-archiver/internal/config"
	"github.com/SBNSoftware/run-record-archiver/internal/importer"
	"github.com/SBNSoftware/run-record-archiver/internal/migrator"
	"github.com/SBNSoftware/run-record-archiver/internal/runset"
	"github.com/SBNSoftware/run-record-archiver/internal/state"
)

const banner = "======================================================================"

// Rebuild recomputes a stage's state and failure log from the set present
// in the authoritative downstream store and the upstream candidate set.
//
// The attempted mark becomes the largest run in the store; the contiguous
// mark is the end of the store's first contiguous interval; the failure log
// becomes the upstream runs at or below the attempted mark that are absent
// from the store.
func Rebuild(stageName string, store, upstream runset.Set, stateFile, failureLog string) {
	if len(store) == 0 {
		klog.Warningf("%s: no runs found in target store - setting state to 0", stageName)
		state.Write(stateFile, state.Record{})
		state.WriteFailures(failureLog, nil)
		return
	}
	rec := state.Record{
		LastAttemptedRun:  store.Max(),
		LastContiguousRun: runset.ContiguousPrefix(store),
	}
	missing := runset.MissingBelow(upstream, store, rec.LastAttemptedRun)
	state.Write(stateFile, rec)
	state.WriteFailures(failureLog, missing)

	klog.Info(banner)
	klog.Infof("%s COMPLETE", stageName)
	klog.Infof("  Target store runs: %d", len(store))
	klog.Infof("  Upstream runs:     %d", len(upstream))
	klog.Infof("  Last contiguous:   %d", rec.LastContiguousRun)
	klog.Infof("  Last attempted:    %d", rec.LastAttemptedRun)
	klog.Infof("  Missing runs:      %d", len(missing))
	if len(missing) > 0 {
		klog.Infof("  Missing (preview): %s", runset.FormatRuns(missing, 10))
	}
	klog.Info(banner)
}

// RecoverImportState rebuilds the import stage state from artdaqDB (the
// authority) and the run-record filesystem (the upstream candidates).
func RecoverImportState(ctx context.Context, cfg *config.Config, client artdaq.Client) error {
	klog.Info(banner)
	klog.Info("IMPORT STATE RECOVERY")
	klog.Info(banner)
	fsRuns, err := importer.FilesystemRuns(cfg.Source.RunRecordsDir)
	if err != nil {
		return err
	}
	klog.Infof("Found %d runs in filesystem", len(fsRuns))
	artdaqRuns, err := client.ArchivedRuns(ctx)
	if err != nil {
		return fmt.Errorf("import state recovery: %v", err)
	}
	klog.Infof("Found %d runs in artdaqDB", len(artdaqRuns))
	Rebuild("IMPORT STATE RECOVERY", artdaqRuns, fsRuns, cfg.App.ImportStateFile, cfg.App.ImportFailureLog)
	return nil
}

// RecoverMigrateState rebuilds the migrate stage state from UconDB (the
// authority) and artdaqDB (the upstream candidates).
func RecoverMigrateState(ctx context.Context, cfg *config.Config, client artdaq.Client, store migrator.ObjectStore) error {
	klog.Info(banner)
	klog.Info("MIGRATION STATE RECOVERY")
	klog.Info(banner)
	artdaqRuns, err := client.ArchivedRuns(ctx)
	if err != nil {
		return fmt.Errorf("migration state recovery: %v", err)
	}
	klog.Infof("Found %d runs in artdaqDB", len(artdaqRuns))
	uconRuns, err := store.ExistingRuns(ctx)
	if err != nil {
		return fmt.Errorf("migration state recovery: %v", err)
	}
	klog.Infof("Found %d runs in UconDB", len(uconRuns))
	Rebuild("MIGRATION STATE RECOVERY", uconRuns, artdaqRuns, cfg.App.MigrateStateFile, cfg.App.MigrateFailureLog)
	return nil
}
