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

// Package migrator implements stage 2: packing each archived run's artdaqDB
// entities into a framed text blob, uploading it to UconDB, and verifying
// the stored bytes by an MD5 round trip.
package migrator

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/SBNSoftware/run-record-archiver/internal/apperr"
	"github.com/SBNSoftware/run-record-archiver/internal/blob"
	"github.com/SBNSoftware/run-record-archiver/internal/client/artdaq"
	"github.com/SBNSoftware/run-record-archiver/internal/client/carbon"
	"github.com/SBNSoftware/run-record-archiver/internal/config"
	"github.com/SBNSoftware/run-record-archiver/internal/runset"
	"github.com/SBNSoftware/run-record-archiver/internal/stage"
	"github.com/SBNSoftware/run-record-archiver/internal/state"
)

const stageName = "Migration"

// ObjectStore is the slice of the UconDB client the migrator needs.
type ObjectStore interface {
	ExistingRuns(ctx context.Context) (runset.Set, error)
	Put(ctx context.Context, run int, blob string) error
	GetData(ctx context.Context, run int) (string, error)
}

// Migrator drives the artdaqDB → UconDB stage.
type Migrator struct {
	cfg       *config.Config
	artdaq    artdaq.Client
	store     ObjectStore
	carbon    *carbon.Client
	exec      *stage.Executor
	validator *blob.Validator
	validate  bool
}

// New builds the migrate stage. carbonClient may be nil.
func New(cfg *config.Config, client artdaq.Client, store ObjectStore, carbonClient *carbon.Client, exec *stage.Executor) *Migrator {
	return &Migrator{
		cfg:       cfg,
		artdaq:    client,
		store:     store,
		carbon:    carbonClient,
		exec:      exec,
		validator: blob.NewValidator(nil),
	}
}

func (m *Migrator) workItems(ctx context.Context, incremental bool) ([]int, error) {
	mode := "full"
	if incremental {
		mode = "incremental"
	}
	klog.Infof("Migration Stage: fetching runs (mode: %s)", mode)
	artdaqRuns, err := m.artdaq.ArchivedRuns(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, stageName, 0)
	}
	klog.Infof("Found %d runs in ArtdaqDB", len(artdaqRuns))
	uconRuns, err := m.store.ExistingRuns(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, stageName, 0)
	}
	klog.Infof("Found %d runs already in UconDB", len(uconRuns))
	candidates := artdaqRuns.Diff(uconRuns)
	if incremental {
		start := state.IncrementalStartRun(m.cfg.App.MigrateStateFile)
		klog.Infof("Incremental mode: filtering runs > %d", start)
		filtered := candidates[:0]
		for _, r := range candidates {
			if r > start {
				filtered = append(filtered, r)
			}
		}
		candidates = filtered
	}
	klog.Infof("Migration Stage: found %d runs to migrate", len(candidates))
	if len(candidates) > 0 {
		klog.Infof("Run range: %d to %d", candidates[0], candidates[len(candidates)-1])
	}
	return candidates, nil
}

// processRun migrates one run end to end. The uploaded content is fetched
// back over the canonical data URL and both sides are checksummed; a
// mismatch is retriable since a concurrent store compaction or truncated
// body yields the same symptom as a bad upload.
func (m *Migrator) processRun(ctx context.Context, run int) error {
	scratch, err := os.MkdirTemp("", fmt.Sprintf("migrator_%d_", run))
	if err != nil {
		return apperr.Wrap(fmt.Errorf("create scratch dir: %v", err), stageName, run)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			klog.Warningf("Failed to remove scratch dir %s: %v", scratch, err)
		}
	}()

	klog.V(1).Infof("Run %d: exporting from ArtdaqDB", run)
	if err := m.artdaq.ExportRun(ctx, run, scratch); err != nil {
		return apperr.Wrap(err, stageName, run)
	}
	klog.V(1).Infof("Run %d: creating data blob", run)
	generated, err := blob.PackDirectory(run, scratch)
	if err != nil {
		return apperr.Wrap(err, stageName, run)
	}
	klog.V(1).Infof("Run %d: generated blob size: %d bytes", run, len(generated))

	klog.V(1).Infof("Run %d: uploading to UconDB", run)
	if err := m.store.Put(ctx, run, generated); err != nil {
		return apperr.Wrap(err, stageName, run)
	}

	klog.V(1).Infof("Run %d: verifying integrity from UconDB", run)
	downloaded, err := m.store.GetData(ctx, run)
	if err != nil {
		return apperr.Wrap(err, stageName, run)
	}
	h1 := md5Hex(generated)
	h2 := md5Hex(downloaded)
	if h1 != h2 {
		return &apperr.Error{
			Stage: stageName,
			Run:   run,
			Err:   fmt.Errorf("MD5 mismatch between generated and downloaded blobs"),
			Context: map[string]string{
				"generated_md5":  h1,
				"downloaded_md5": h2,
			},
		}
	}
	klog.V(1).Infof("Run %d: MD5 verification passed (hash: %s)", run, h1)

	if m.validate {
		if errorCount, results := m.validator.Validate(downloaded, run); errorCount > 0 {
			klog.Warningf("Run %d: blob validation found %d errors: %v", run, errorCount, results)
		}
	}
	return nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (m *Migrator) batch() stage.Batch {
	return stage.Batch{
		Name:       stageName,
		FailureLog: m.cfg.App.MigrateFailureLog,
		Workers:    m.artdaq.EffectiveWorkers(m.cfg.App.ParallelWorkers),
		Process:    m.processRun,
	}
}

func (m *Migrator) publishMetrics(processed, successful int, maxRun int) {
	if !m.carbon.Enabled() {
		return
	}
	m.carbon.PostMetric("migrate.runs_processed", float64(processed))
	m.carbon.PostMetric("migrate.runs_successful", float64(successful))
	m.carbon.PostMetric("migrate.runs_failed", float64(processed-successful))
	if maxRun > 0 {
		m.carbon.PostMetric("migrate.last_successful_run", float64(maxRun))
	}
}

// Run executes one migrate invocation and returns its exit code.
func (m *Migrator) Run(ctx context.Context, incremental, validate bool) int {
	m.validate = validate
	if validate {
		klog.Info("Migration Stage: blob validation enabled")
	}
	runs, err := m.workItems(ctx, incremental)
	if err != nil {
		klog.Errorf("Migration Stage: failed to determine runs to migrate: %v", err)
		return 1
	}
	if len(runs) == 0 {
		klog.Info("Migration Stage: no new runs to migrate.")
		m.publishMetrics(0, 0, 0)
		return 0
	}
	batch := stage.Clamp(runs, m.cfg.App.BatchSize, incremental)
	if len(runs) > len(batch) {
		klog.Infof("Migration Stage: limited to %d runs, %d remaining", len(batch), len(runs)-len(batch))
	}
	klog.Infof("Migration Stage: processing batch of %d runs", len(batch))
	res := m.exec.ProcessBatch(ctx, m.batch(), batch)
	state.UpdateContiguousRun(m.cfg.App.MigrateStateFile, res.Successful)
	state.UpdateAttemptedRun(m.cfg.App.MigrateStateFile, res.Attempted())

	maxRun := 0
	if n := len(res.Successful); n > 0 {
		maxRun = res.Successful[n-1]
	}
	m.publishMetrics(len(res.Successful)+len(res.Failed), len(res.Successful), maxRun)

	if res.Interrupted {
		klog.Info("Migration Stage: shutdown requested - state saved, exiting gracefully")
		return 1
	}
	if len(res.Successful) < len(batch) {
		return 1
	}
	return 0
}

// RunFailureRecovery retries the runs in the migrate failure log, dropping
// any that are meanwhile present in UconDB, and rewrites the log to the
// remaining failures.
func (m *Migrator) RunFailureRecovery(ctx context.Context) int {
	failureLog := m.cfg.App.MigrateFailureLog
	failed := state.ReadRunLog(failureLog)
	if len(failed) == 0 {
		klog.Info("Migration Stage: no failed runs to retry.")
		return 0
	}
	existing, err := m.store.ExistingRuns(ctx)
	if err != nil {
		klog.Errorf("Migration Recovery: cannot query UconDB: %v", err)
		return 1
	}
	failedSet := runset.New(failed...)
	alreadyMigrated := failedSet.Intersect(existing)
	toRetry := failedSet.Diff(existing)
	if len(alreadyMigrated) > 0 {
		klog.Infof("Found %d run(s) already migrated, removing from failure log: %s",
			len(alreadyMigrated), runset.FormatRuns(alreadyMigrated, 10))
	}
	if len(toRetry) == 0 {
		klog.Info("All failed runs are already migrated. Nothing to retry.")
		state.WriteFailures(failureLog, nil)
		return 0
	}
	klog.Infof("Migration Stage: attempting to recover %d failed runs", len(toRetry))
	res := m.exec.ProcessBatch(ctx, m.batch(), toRetry)

	resolved := runset.New(alreadyMigrated...)
	for _, r := range res.Successful {
		resolved.Add(r)
	}
	remaining := failedSet.Diff(resolved)
	state.WriteFailures(failureLog, remaining)

	if allMigrated, err := m.store.ExistingRuns(ctx); err == nil {
		state.UpdateContiguousRun(m.cfg.App.MigrateStateFile, allMigrated.Sorted())
	} else {
		klog.Warningf("Migration Recovery: cannot refresh migrated run set: %v", err)
	}
	state.UpdateAttemptedRun(m.cfg.App.MigrateStateFile, res.Attempted())

	if res.Interrupted {
		klog.Info("Migration Recovery: shutdown requested - state saved, exiting gracefully")
		return 1
	}
	klog.Infof("Migration Stage: recovery complete. %d resolved (%d already migrated, %d newly migrated), %d remaining.",
		len(alreadyMigrated)+len(res.Successful), len(alreadyMigrated), len(res.Successful), len(remaining))
	if len(remaining) > 0 {
		return 1
	}
	return 0
}
