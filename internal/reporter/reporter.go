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

// Package reporter produces the read-only cross-source status report:
// per-source totals, contiguous ranges and gaps, actionable diffs, and an
// optional comparison against the recorded stage state.
package reporter

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/SBNSoftware/run-record-archiver/internal/client/artdaq"
	"github.com/SBNSoftware/run-record-archiver/internal/config"
	"github.com/SBNSoftware/run-record-archiver/internal/importer"
	"github.com/SBNSoftware/run-record-archiver/internal/migrator"
	"github.com/SBNSoftware/run-record-archiver/internal/runset"
	"github.com/SBNSoftware/run-record-archiver/internal/state"
)

const banner = "======================================================================"
const rule = "----------------------------------------------------------------------"

// Reporter queries all three sources and renders the status report.
type Reporter struct {
	cfg    *config.Config
	artdaq artdaq.Client
	store  migrator.ObjectStore
}

// New builds a Reporter.
func New(cfg *config.Config, client artdaq.Client, store migrator.ObjectStore) *Reporter {
	return &Reporter{cfg: cfg, artdaq: client, store: store}
}

// GenerateReport queries the filesystem, artdaqDB and UconDB concurrently
// and logs the report. With compareState it also analyses the recorded
// stage state and failure logs.
func (r *Reporter) GenerateReport(ctx context.Context, compareState bool) error {
	klog.Info(banner)
	klog.Info("RUN RECORD ARCHIVER - STATUS REPORT")
	klog.Info(banner)
	klog.Info("Querying data sources...")

	var fsRuns, artdaqRuns, uconRuns runset.Set
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fsRuns, err = importer.FilesystemRuns(r.cfg.Source.RunRecordsDir)
		return err
	})
	g.Go(func() error {
		var err error
		artdaqRuns, err = r.artdaq.ArchivedRuns(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		uconRuns, err = r.store.ExistingRuns(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	klog.Info("")
	klog.Info(banner)
	klog.Info("DATA SOURCE SUMMARY")
	klog.Info(banner)
	r.reportSource("FILESYSTEM (Source)", "Location: "+r.cfg.Source.RunRecordsDir, fsRuns)
	r.reportSource("ARTDAQDB (Intermediate Storage)", "Database URI: "+r.cfg.ArtdaqDB.DatabaseURI, artdaqRuns)
	r.reportSource("UCONDB (Long-term Storage)", "Server: "+r.cfg.UconDB.ServerURL, uconRuns)

	klog.Info("")
	klog.Info(banner)
	klog.Info("RECOMMENDATIONS")
	klog.Info(banner)
	for _, rec := range Recommendations(fsRuns, artdaqRuns, uconRuns) {
		klog.Infof("  %s", rec)
	}

	if compareState {
		r.compareWithState(fsRuns, artdaqRuns, uconRuns)
	}
	return nil
}

func (r *Reporter) reportSource(title, location string, runs runset.Set) {
	klog.Info("")
	klog.Info(title)
	klog.Info(rule)
	klog.Infof("  %s", location)
	klog.Infof("  Total Runs:      %d", len(runs))
	if len(runs) == 0 {
		klog.Info("  Status:          No runs found")
		return
	}
	ranges, gaps := runset.Ranges(runs)
	klog.Infof("  Range:           %d to %d", runs.Min(), runs.Max())
	klog.Infof("  Contiguous:      %s", runset.FormatRanges(ranges, 10))
	klog.Infof("  Gaps:            %s", runset.FormatRuns(gaps, 20))
}

// Recommendations derives the operator actions from the cross-source diffs.
func Recommendations(fsRuns, artdaqRuns, uconRuns runset.Set) []string {
	var recs []string
	if toImport := fsRuns.Diff(artdaqRuns); len(toImport) > 0 {
		recs = append(recs, formatRec("Run IMPORTER: %d run(s) on filesystem not in artdaqDB (range: %d-%d)", toImport))
	}
	if toMigrate := artdaqRuns.Diff(uconRuns); len(toMigrate) > 0 {
		recs = append(recs, formatRec("Run MIGRATOR: %d run(s) in artdaqDB not in UconDB (range: %d-%d)", toMigrate))
	}
	if orphaned := artdaqRuns.Diff(fsRuns); len(orphaned) > 0 {
		recs = append(recs, formatRec("WARNING: %d run(s) in artdaqDB but not on filesystem (may have been deleted) (range: %d-%d)", orphaned))
	}
	if uconOnly := uconRuns.Diff(artdaqRuns); len(uconOnly) > 0 {
		recs = append(recs, formatRec("INFO: %d run(s) in UconDB but not in artdaqDB (may have been cleaned up from intermediate storage) (range: %d-%d)", uconOnly))
	}
	if len(recs) == 0 {
		recs = append(recs, "All systems are synchronized - no action needed")
	}
	return recs
}

func formatRec(format string, runs []int) string {
	return fmt.Sprintf(format, len(runs), runs[0], runs[len(runs)-1])
}

func (r *Reporter) compareWithState(fsRuns, artdaqRuns, uconRuns runset.Set) {
	klog.Info("")
	klog.Info(banner)
	klog.Info("STATE COMPARISON")
	klog.Info(banner)
	r.compareStage("IMPORT STAGE STATE", fsRuns, artdaqRuns,
		r.cfg.App.ImportStateFile, r.cfg.App.ImportFailureLog, "ArtdaqDB")
	r.compareStage("MIGRATION STAGE STATE", artdaqRuns, uconRuns,
		r.cfg.App.MigrateStateFile, r.cfg.App.MigrateFailureLog, "UconDB")
}

func (r *Reporter) compareStage(title string, upstream, downstream runset.Set, stateFile, failureLog, targetName string) {
	klog.Info("")
	klog.Info(title)
	klog.Info(rule)
	rec := state.Read(stateFile)
	klog.Infof("  Last Contiguous Run: %d", rec.LastContiguousRun)
	klog.Infof("  Last Attempted Run:  %d", rec.LastAttemptedRun)
	if rec.LastContiguousRun > 0 {
		missing := runset.MissingBelow(upstream, downstream, rec.LastContiguousRun)
		if len(missing) > 0 {
			klog.Warningf("  Missing in %s: %d run(s) before last contiguous (%s)",
				targetName, len(missing), runset.FormatRuns(missing, 10))
		} else {
			klog.Infof("  Status: all expected runs present in %s", targetName)
		}
		var fresh []int
		for _, run := range upstream.Sorted() {
			if run > rec.LastContiguousRun {
				fresh = append(fresh, run)
			}
		}
		if len(fresh) > 0 {
			klog.Infof("  New Runs Available: %d run(s) since last state update (range: %d-%d)",
				len(fresh), fresh[0], fresh[len(fresh)-1])
		}
	} else {
		klog.Info("  Status: no state recorded")
	}
	if failures := state.ReadRunLog(failureLog); len(failures) > 0 {
		klog.Warningf("  Failed Runs: %d run(s) logged as failed (%s)",
			len(failures), runset.FormatRuns(failures, 10))
	}
}
