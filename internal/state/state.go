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

// Package state persists the durable per-stage progress records: a JSON
// state file holding the contiguous and attempted high-water marks, and a
// newline-separated failure log of run numbers.
//
// Read failures are never fatal — a missing or corrupt file reads as the
// zero record with a warning. Write failures are logged as errors and
// swallowed so the pipeline stays live; the records are advisory
// accelerators, the external stores remain authoritative.
package state

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
	"k8s.io/klog/v2"
)

// Record is the persisted per-stage state.
//
// Both fields are monotonically non-decreasing across invocations:
// LastContiguousRun is the largest N such that every observed run in [1..N]
// completed, and LastAttemptedRun is the largest run the stage has tried.
type Record struct {
	LastContiguousRun int `json:"last_contiguous_run"`
	LastAttemptedRun  int `json:"last_attempted_run"`
}

// Read returns the state stored at path, or the zero record if the file is
// missing or unreadable.
func Read(path string) Record {
	var rec Record
	b, err := os.ReadFile(path)
	if err != nil {
		klog.Warningf("Failed to read state file %s: %v", path, err)
		return Record{}
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		klog.Warningf("Failed to parse state file %s: %v", path, err)
		return Record{}
	}
	return rec
}

// Write atomically replaces the state file at path, creating parent
// directories as needed.
func Write(path string, rec Record) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		klog.Errorf("Failed to create state dir for %s: %v", path, err)
		return
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		klog.Errorf("Failed to encode state for %s: %v", path, err)
		return
	}
	if err := renameio.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		klog.Errorf("Failed to write state file %s: %v", path, err)
	}
}

// UpdateContiguousRun advances last_contiguous_run by walking the sorted
// successful runs while each equals the current mark plus one. Runs at or
// below the mark are ignored; the walk stops at the first gap. The file is
// rewritten only if the mark advanced.
func UpdateContiguousRun(path string, successful []int) {
	if len(successful) == 0 {
		return
	}
	rec := Read(path)
	last := rec.LastContiguousRun
	runs := append([]int(nil), successful...)
	sort.Ints(runs)
	for _, r := range runs {
		if r == last+1 {
			last = r
		} else if r > last+1 {
			break
		}
	}
	if last > rec.LastContiguousRun {
		rec.LastContiguousRun = last
		Write(path, rec)
		klog.Infof("Updated last contiguous run in %s to %d", filepath.Base(path), last)
	}
}

// UpdateAttemptedRun raises last_attempted_run to the maximum of the
// attempted runs, writing only if it changed.
func UpdateAttemptedRun(path string, attempted []int) {
	if len(attempted) == 0 {
		return
	}
	max := attempted[0]
	for _, r := range attempted[1:] {
		if r > max {
			max = r
		}
	}
	rec := Read(path)
	if max <= rec.LastAttemptedRun {
		klog.V(1).Infof("No update needed for last_attempted_run in %s (current=%d, max_attempted=%d)", filepath.Base(path), rec.LastAttemptedRun, max)
		return
	}
	prev := rec.LastAttemptedRun
	rec.LastAttemptedRun = max
	Write(path, rec)
	klog.Infof("Updated last_attempted_run in %s: %d -> %d", filepath.Base(path), prev, max)
}

// IncrementalStartRun returns the run number at or below which incremental
// mode skips candidates: the larger of the two high-water marks.
func IncrementalStartRun(path string) int {
	rec := Read(path)
	if rec.LastAttemptedRun > rec.LastContiguousRun {
		return rec.LastAttemptedRun
	}
	return rec.LastContiguousRun
}

// ReadRunLog parses a newline-separated run-number file, skipping blank and
// non-integer lines. Missing files read as empty.
func ReadRunLog(path string) []int {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			klog.Errorf("Failed to read run log %s: %v", path, err)
		}
		return nil
	}
	defer func() {
		_ = f.Close()
	}()
	var runs []int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		n, err := strconv.Atoi(line)
		if err != nil || n <= 0 {
			continue
		}
		runs = append(runs, n)
	}
	if err := sc.Err(); err != nil {
		klog.Errorf("Failed to scan run log %s: %v", path, err)
	}
	return runs
}

// AppendFailures appends the runs to the failure log, one per line, sorted
// ascending.
func AppendFailures(path string, runs []int) {
	if len(runs) == 0 {
		return
	}
	sorted := append([]int(nil), runs...)
	sort.Ints(sorted)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		klog.Errorf("Could not open failure log %s: %v", path, err)
		return
	}
	defer func() {
		_ = f.Close()
	}()
	w := bufio.NewWriter(f)
	for _, r := range sorted {
		if _, err := w.WriteString(strconv.Itoa(r) + "\n"); err != nil {
			klog.Errorf("Could not write to failure log %s: %v", path, err)
			return
		}
	}
	if err := w.Flush(); err != nil {
		klog.Errorf("Could not write to failure log %s: %v", path, err)
	}
}

// WriteFailures truncates the failure log and writes the runs sorted
// ascending; an empty list yields an empty file.
func WriteFailures(path string, runs []int) {
	sorted := append([]int(nil), runs...)
	sort.Ints(sorted)
	var buf []byte
	for _, r := range sorted {
		buf = strconv.AppendInt(buf, int64(r), 10)
		buf = append(buf, '\n')
	}
	if err := renameio.WriteFile(path, buf, 0o644); err != nil {
		klog.Errorf("Could not update failure log %s: %v", path, err)
	}
}
