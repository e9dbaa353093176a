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

// Package importer implements stage 1: reconciling the run-record
// filesystem against artdaqDB and archiving the missing runs.
package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"k8s.io/klog/v2"

	"github.com/SBNSoftware/run-record-archiver/internal/apperr"
	"github.com/SBNSoftware/run-record-archiver/internal/client/artdaq"
	"github.com/SBNSoftware/run-record-archiver/internal/config"
	"github.com/SBNSoftware/run-record-archiver/internal/fhicl"
	"github.com/SBNSoftware/run-record-archiver/internal/runset"
	"github.com/SBNSoftware/run-record-archiver/internal/stage"
	"github.com/SBNSoftware/run-record-archiver/internal/state"
)

const stageName = "Import"

// Importer drives the filesystem → artdaqDB stage.
type Importer struct {
	cfg      *config.Config
	artdaq   artdaq.Client
	preparer *fhicl.Preparer
	exec     *stage.Executor
}

// New builds the import stage.
func New(cfg *config.Config, client artdaq.Client, exec *stage.Executor) (*Importer, error) {
	preparer, err := fhicl.NewPreparer(cfg.ArtdaqDB.FclConfDir)
	if err != nil {
		return nil, err
	}
	return &Importer{cfg: cfg, artdaq: client, preparer: preparer, exec: exec}, nil
}

// FilesystemRuns enumerates the integer-named subdirectories of the
// run-records root.
func FilesystemRuns(dir string) (runset.Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperr.Wrap(fmt.Errorf("cannot read run records directory %s: %v", dir, err), stageName, 0)
	}
	runs := runset.New()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil && n > 0 {
			runs.Add(n)
		}
	}
	return runs, nil
}

// workItems reconciles the filesystem against artdaqDB and returns the
// sorted candidate runs.
func (i *Importer) workItems(ctx context.Context, incremental bool) ([]int, error) {
	mode := "full"
	if incremental {
		mode = "incremental"
	}
	klog.Infof("Import Stage: fetching runs (mode: %s)", mode)
	fsRuns, err := FilesystemRuns(i.cfg.Source.RunRecordsDir)
	if err != nil {
		return nil, err
	}
	klog.Infof("Found %d run directories in filesystem", len(fsRuns))
	artdaqRuns, err := i.artdaq.ArchivedRuns(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, stageName, 0)
	}
	klog.Infof("Found %d runs already in ArtdaqDB", len(artdaqRuns))
	candidates := fsRuns.Diff(artdaqRuns)
	if incremental {
		start := state.IncrementalStartRun(i.cfg.App.ImportStateFile)
		klog.Infof("Incremental mode: filtering runs > %d", start)
		filtered := candidates[:0]
		for _, r := range candidates {
			if r > start {
				filtered = append(filtered, r)
			}
		}
		candidates = filtered
	}
	klog.Infof("Import Stage: found %d runs to import", len(candidates))
	if len(candidates) > 0 {
		klog.Infof("Run range: %d to %d", candidates[0], candidates[len(candidates)-1])
	}
	return candidates, nil
}

// processRun archives a single run: stage the files, insert, then apply the
// stop-time update document if one exists. The scratch directory is always
// destroyed, whatever the outcome.
func (i *Importer) processRun(ctx context.Context, run int) error {
	runDir := filepath.Join(i.cfg.Source.RunRecordsDir, strconv.Itoa(run))
	if fi, err := os.Stat(runDir); err != nil || !fi.IsDir() {
		return apperr.Wrap(fmt.Errorf("run directory not found: %s", runDir), stageName, run)
	}
	scratch, err := os.MkdirTemp("", fmt.Sprintf("importer_%d_", run))
	if err != nil {
		return apperr.Wrap(fmt.Errorf("create scratch dir: %v", err), stageName, run)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			klog.Warningf("Failed to remove scratch dir %s: %v", scratch, err)
		}
	}()

	klog.V(1).Infof("Run %d: preparing FHiCL files for archive", run)
	configName, err := i.preparer.PrepareForArchive(runDir, scratch)
	if err != nil {
		return apperr.Wrap(err, stageName, run)
	}
	klog.V(1).Infof("Run %d: archiving to ArtdaqDB (initial insert)", run)
	if err := i.artdaq.ArchiveRun(ctx, run, configName, scratch, false); err != nil {
		return apperr.Wrap(err, stageName, run)
	}

	if err := os.RemoveAll(scratch); err != nil {
		return apperr.Wrap(fmt.Errorf("clear scratch dir: %v", err), stageName, run)
	}
	if err := os.Mkdir(scratch, 0o755); err != nil {
		return apperr.Wrap(fmt.Errorf("recreate scratch dir: %v", err), stageName, run)
	}
	klog.V(1).Infof("Run %d: preparing FHiCL files for update", run)
	hasUpdate, err := i.preparer.PrepareForUpdate(runDir, scratch)
	if err != nil {
		return apperr.Wrap(err, stageName, run)
	}
	if !hasUpdate {
		klog.V(1).Infof("Run %d: no stop-time available, skipping update", run)
		return nil
	}
	klog.V(1).Infof("Run %d: updating ArtdaqDB with stop-time", run)
	if err := i.artdaq.ArchiveRun(ctx, run, configName, scratch, true); err != nil {
		return apperr.Wrap(err, stageName, run)
	}
	return nil
}

func (i *Importer) batch() stage.Batch {
	return stage.Batch{
		Name:       stageName,
		FailureLog: i.cfg.App.ImportFailureLog,
		Workers:    i.artdaq.EffectiveWorkers(i.cfg.App.ParallelWorkers),
		Process:    i.processRun,
	}
}

// Run executes one import invocation and returns its exit code.
func (i *Importer) Run(ctx context.Context, incremental bool) int {
	runs, err := i.workItems(ctx, incremental)
	if err != nil {
		klog.Errorf("Import Stage: failed to determine runs to import: %v", err)
		return 1
	}
	if len(runs) == 0 {
		klog.Info("Import Stage: no new runs to import.")
		return 0
	}
	batch := stage.Clamp(runs, i.cfg.App.BatchSize, incremental)
	if len(runs) > len(batch) {
		klog.Infof("Import Stage: limited to %d runs, %d remaining", len(batch), len(runs)-len(batch))
	}
	klog.Infof("Import Stage: processing batch of %d runs", len(batch))
	res := i.exec.ProcessBatch(ctx, i.batch(), batch)
	state.UpdateContiguousRun(i.cfg.App.ImportStateFile, res.Successful)
	state.UpdateAttemptedRun(i.cfg.App.ImportStateFile, res.Attempted())
	if res.Interrupted {
		klog.Info("Import Stage: shutdown requested - state saved, exiting gracefully")
		return 1
	}
	if len(res.Successful) < len(batch) {
		return 1
	}
	return 0
}

// RunFailureRecovery retries the runs in the import failure log, dropping
// any that are meanwhile present in artdaqDB, and rewrites the log to the
// remaining failures.
func (i *Importer) RunFailureRecovery(ctx context.Context) int {
	failureLog := i.cfg.App.ImportFailureLog
	failed := state.ReadRunLog(failureLog)
	if len(failed) == 0 {
		klog.Info("Import Stage: no failed runs to retry.")
		return 0
	}
	archived, err := i.artdaq.ArchivedRuns(ctx)
	if err != nil {
		klog.Errorf("Import Recovery: cannot query ArtdaqDB: %v", err)
		return 1
	}
	failedSet := runset.New(failed...)
	alreadyArchived := failedSet.Intersect(archived)
	toRetry := failedSet.Diff(archived)
	if len(alreadyArchived) > 0 {
		klog.Infof("Found %d run(s) already archived, removing from failure log: %s",
			len(alreadyArchived), runset.FormatRuns(alreadyArchived, 10))
	}
	if len(toRetry) == 0 {
		klog.Info("All failed runs are already archived. Nothing to retry.")
		state.WriteFailures(failureLog, nil)
		return 0
	}
	klog.Infof("Import Stage: attempting to recover %d failed runs", len(toRetry))
	res := i.exec.ProcessBatch(ctx, i.batch(), toRetry)

	resolved := runset.New(alreadyArchived...)
	for _, r := range res.Successful {
		resolved.Add(r)
	}
	remaining := failedSet.Diff(resolved)
	state.WriteFailures(failureLog, remaining)

	// The contiguous mark is recomputed against the full archive contents:
	// recovery may have filled gaps well below the previous batch window.
	if allArchived, err := i.artdaq.ArchivedRuns(ctx); err == nil {
		state.UpdateContiguousRun(i.cfg.App.ImportStateFile, allArchived.Sorted())
	} else {
		klog.Warningf("Import Recovery: cannot refresh archived run set: %v", err)
	}
	state.UpdateAttemptedRun(i.cfg.App.ImportStateFile, res.Attempted())

	if res.Interrupted {
		klog.Info("Import Recovery: shutdown requested - state saved, exiting gracefully")
		return 1
	}
	klog.Infof("Import Stage: recovery complete. %d resolved (%d already archived, %d newly imported), %d remaining.",
		len(alreadyArchived)+len(res.Successful), len(alreadyArchived), len(res.Successful), len(remaining))
	if len(remaining) > 0 {
		return 1
	}
	return 0
}
