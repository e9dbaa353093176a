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

package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/SBNSoftware/run-record-archiver/internal/config"
	"github.com/SBNSoftware/run-record-archiver/internal/runset"
	"github.com/SBNSoftware/run-record-archiver/internal/stage"
	"github.com/SBNSoftware/run-record-archiver/internal/state"
)

// fakeArtdaq records archive calls in memory.
type fakeArtdaq struct {
	mu       sync.Mutex
	runs     runset.Set
	archived map[int]string
	updates  map[int]int
	failRuns map[int]error
}

func newFakeArtdaq(existing ...int) *fakeArtdaq {
	return &fakeArtdaq{
		runs:     runset.New(existing...),
		archived: map[int]string{},
		updates:  map[int]int{},
		failRuns: map[int]error{},
	}
}

func (f *fakeArtdaq) ArchivedRuns(ctx context.Context) (runset.Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := runset.New()
	for r := range f.runs {
		out.Add(r)
	}
	return out, nil
}

func (f *fakeArtdaq) ArchiveRun(ctx context.Context, run int, configName, dir string, update bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failRuns[run]; err != nil {
		return err
	}
	if update {
		f.updates[run]++
		return nil
	}
	f.runs.Add(run)
	f.archived[run] = configName
	return nil
}

func (f *fakeArtdaq) ExportRun(ctx context.Context, run int, destDir string) error {
	return fmt.Errorf("not supported in import tests")
}

func (f *fakeArtdaq) EffectiveWorkers(requested int) int { return requested }

func (f *fakeArtdaq) SetIncrementalMode(bool) {}

// writeRunDir creates a run-record directory with metadata and artifacts.
func writeRunDir(t *testing.T, root string, run int, stopTime bool) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(run))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	metadata := fmt.Sprintf("Config name: standard_cfg\nRun number: %d\n", run)
	if stopTime {
		metadata += "DAQInterface stop time: Sat Mar  8 02:10:11 2025\n"
	}
	for name, content := range map[string]string{
		"metadata.txt": metadata,
		"boot.fcl":     "daq: {}\n",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func testSetup(t *testing.T, client *fakeArtdaq, fsRuns ...int) (*Importer, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	recordsDir := filepath.Join(dir, "run_records")
	confDir := filepath.Join(dir, "fcl_conf")
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(confDir, "schema.fcl"), []byte("main: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(recordsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, run := range fsRuns {
		writeRunDir(t, recordsDir, run, run%2 == 0)
	}
	cfg := &config.Config{
		App: config.App{
			WorkDir:           dir,
			ImportStateFile:   filepath.Join(dir, "importer_state.json"),
			ImportFailureLog:  filepath.Join(dir, "import_failures.log"),
			BatchSize:         10,
			ParallelWorkers:   2,
			RunProcessRetries: 1,
			RetryDelaySeconds: 0,
		},
		Source:   config.Source{RunRecordsDir: recordsDir},
		ArtdaqDB: config.ArtdaqDB{FclConfDir: confDir},
	}
	exec := &stage.Executor{
		Retries:    cfg.App.RunProcessRetries,
		RetryDelay: time.Millisecond,
	}
	imp, err := New(cfg, client, exec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return imp, cfg
}

func TestFilesystemRuns(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"1", "17", "notarun", "0"} {
		if err := os.MkdirAll(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "3"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	runs, err := FilesystemRuns(dir)
	if err != nil {
		t.Fatalf("FilesystemRuns: %v", err)
	}
	if diff := cmp.Diff([]int{1, 17}, runs.Sorted()); diff != "" {
		t.Errorf("run set mismatch (-want +got):\n%s", diff)
	}
}

func TestRunHappyPath(t *testing.T) {
	client := newFakeArtdaq()
	imp, cfg := testSetup(t, client, 1, 2, 3)

	if rc := imp.Run(context.Background(), false); rc != 0 {
		t.Fatalf("Run = %d, want 0", rc)
	}
	rec := state.Read(cfg.App.ImportStateFile)
	if rec.LastContiguousRun != 3 || rec.LastAttemptedRun != 3 {
		t.Errorf("state = %+v, want contiguous=3 attempted=3", rec)
	}
	for run := 1; run <= 3; run++ {
		if got := client.archived[run]; got != "standard_cfg" {
			t.Errorf("run %d archived with config %q, want standard_cfg", run, got)
		}
	}
	// Even runs carry a stop time and get the update pass.
	if client.updates[2] != 1 {
		t.Errorf("run 2 updates = %d, want 1", client.updates[2])
	}
	if client.updates[1] != 0 || client.updates[3] != 0 {
		t.Errorf("runs without stop time were updated: %v", client.updates)
	}
}

func TestRunGapState(t *testing.T) {
	client := newFakeArtdaq()
	imp, cfg := testSetup(t, client, 1, 2, 4)

	if rc := imp.Run(context.Background(), false); rc != 0 {
		t.Fatalf("Run = %d, want 0", rc)
	}
	rec := state.Read(cfg.App.ImportStateFile)
	if rec.LastContiguousRun != 2 {
		t.Errorf("last_contiguous_run = %d, want 2", rec.LastContiguousRun)
	}
	if rec.LastAttemptedRun != 4 {
		t.Errorf("last_attempted_run = %d, want 4", rec.LastAttemptedRun)
	}
	if failures := state.ReadRunLog(cfg.App.ImportFailureLog); len(failures) != 0 {
		t.Errorf("failure log not empty: %v", failures)
	}
}

func TestRunSkipsArchivedRuns(t *testing.T) {
	client := newFakeArtdaq(1, 2)
	imp, _ := testSetup(t, client, 1, 2, 3)

	if rc := imp.Run(context.Background(), false); rc != 0 {
		t.Fatalf("Run = %d, want 0", rc)
	}
	if _, archived := client.archived[1]; archived {
		t.Error("run 1 re-archived despite being present")
	}
	if _, archived := client.archived[3]; !archived {
		t.Error("run 3 not archived")
	}
}

func TestRunRecordsFailures(t *testing.T) {
	client := newFakeArtdaq()
	imp, cfg := testSetup(t, client, 1, 2)
	client.failRuns[2] = fmt.Errorf("database unavailable")

	if rc := imp.Run(context.Background(), false); rc != 1 {
		t.Fatalf("Run = %d, want 1", rc)
	}
	if diff := cmp.Diff([]int{2}, state.ReadRunLog(cfg.App.ImportFailureLog)); diff != "" {
		t.Errorf("failure log mismatch (-want +got):\n%s", diff)
	}
}

func TestRunFailureRecovery(t *testing.T) {
	// Run 2 was archived out of band, run 3 genuinely needs a retry.
	client := newFakeArtdaq(2)
	imp, cfg := testSetup(t, client, 1, 2, 3)
	state.AppendFailures(cfg.App.ImportFailureLog, []int{2, 3})

	if rc := imp.RunFailureRecovery(context.Background()); rc != 0 {
		t.Fatalf("RunFailureRecovery = %d, want 0", rc)
	}
	if _, archived := client.archived[3]; !archived {
		t.Error("run 3 not archived during recovery")
	}
	if failures := state.ReadRunLog(cfg.App.ImportFailureLog); len(failures) != 0 {
		t.Errorf("failure log not cleared: %v", failures)
	}
}

func TestRunFailureRecoveryEmptyLog(t *testing.T) {
	client := newFakeArtdaq()
	imp, _ := testSetup(t, client, 1)
	if rc := imp.RunFailureRecovery(context.Background()); rc != 0 {
		t.Errorf("RunFailureRecovery = %d, want 0", rc)
	}
}
