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

// Package stage implements the reusable batch machinery shared by the
// import and migrate stages: a bounded worker pool with per-run retry,
// progress reporting, failure logging, and graceful-shutdown draining.
package stage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"k8s.io/klog/v2"

	"github.com/SBNSoftware/run-record-archiver/internal/apperr"
	"github.com/SBNSoftware/run-record-archiver/internal/state"
)

// ProgressReportInterval is the number of completions between progress log
// lines.
const ProgressReportInterval = 10

// Batch describes one stage invocation's worth of work.
type Batch struct {
	// Name is the stage display name used in logs and reports.
	Name string
	// FailureLog receives every failed run: those that exhausted their
	// retries and those that were permanently skipped.
	FailureLog string
	// Workers is the pool size. Collapses to 1 when the per-run work is not
	// safe to parallelise.
	Workers int
	// Process performs the per-run work. Any returned error is retriable
	// unless it wraps apperr.ErrPermanentSkip.
	Process func(ctx context.Context, run int) error
}

// Executor runs batches with a shared retry policy and shutdown predicate.
type Executor struct {
	// Retries is the number of re-attempts after the first failure.
	Retries int
	// RetryDelay is slept between attempts.
	RetryDelay time.Duration
	// ShutdownCheck is polled after every completion; once it reports true
	// the executor cancels unstarted work and drains in-flight runs.
	ShutdownCheck func() bool
	// Notify, when set, receives the final failed set of a batch.
	Notify func(stageName string, failed []int)
}

// Result is the accounting of one batch.
type Result struct {
	// Successful and Failed are sorted ascending. Runs cancelled before
	// starting appear in neither: they were not attempted.
	Successful []int
	Failed     []int
	// Cancelled is the number of runs never started due to shutdown.
	Cancelled int
	// Interrupted reports whether the shutdown predicate fired mid-batch.
	Interrupted bool
}

// Attempted returns the union of successful and failed runs.
func (r Result) Attempted() []int {
	out := make([]int, 0, len(r.Successful)+len(r.Failed))
	out = append(out, r.Successful...)
	out = append(out, r.Failed...)
	sort.Ints(out)
	return out
}

// Clamp limits a sorted candidate list to the batch cap: batchSize in
// incremental mode, ten times that otherwise.
func Clamp(runs []int, batchSize int, incremental bool) []int {
	max := batchSize
	if !incremental {
		max = batchSize * 10
	}
	if len(runs) <= max {
		return runs
	}
	return runs[:max]
}

type runResult struct {
	run int
	err error
}

// ProcessBatch runs the batch to completion or graceful interruption. The
// runs are sorted and deduplicated first and dispatched in ascending order,
// though completions arrive in arbitrary order. On return the failure log
// has been appended to and the notifier invoked for any failures.
func (e *Executor) ProcessBatch(ctx context.Context, b Batch, runs []int) Result {
	runs = dedupSorted(runs)
	total := len(runs)
	workers := b.Workers
	if workers < 1 {
		workers = 1
	}
	klog.Infof("%s: starting parallel processing of %d runs with %d workers", b.Name, total, workers)

	jobs := make(chan int)
	results := make(chan runResult)
	stop := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for run := range jobs {
				results <- runResult{run: run, err: e.processWithRetry(ctx, b, run)}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, run := range runs {
			select {
			case jobs <- run:
			case <-stop:
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	res := Result{}
	completed := 0
	for r := range results {
		completed++
		if r.err == nil {
			res.Successful = append(res.Successful, r.run)
		} else {
			res.Failed = append(res.Failed, r.run)
		}
		if completed%ProgressReportInterval == 0 || completed == total {
			klog.Infof("%s: progress %d/%d runs processed (%d successful, %d failed)",
				b.Name, completed, total, len(res.Successful), len(res.Failed))
		}
		if !res.Interrupted && e.ShutdownCheck != nil && e.ShutdownCheck() {
			res.Interrupted = true
			close(stop)
			klog.Warningf("%s: shutdown requested - pending runs cancelled, in-progress runs will complete", b.Name)
		}
	}
	res.Cancelled = total - completed

	sort.Ints(res.Successful)
	sort.Ints(res.Failed)
	if res.Interrupted {
		klog.Infof("%s: batch interrupted by shutdown: %d successful, %d failed, %d not processed",
			b.Name, len(res.Successful), len(res.Failed), res.Cancelled)
	} else {
		klog.Infof("%s: batch complete: %d successful, %d failed", b.Name, len(res.Successful), len(res.Failed))
	}
	if len(res.Failed) > 0 {
		klog.Warningf("%s: recording %d failed runs to failure log", b.Name, len(res.Failed))
		state.AppendFailures(b.FailureLog, res.Failed)
		if e.Notify != nil {
			e.Notify(b.Name, res.Failed)
		}
	}
	return res
}

// processWithRetry attempts a run up to Retries+1 times with a fixed delay
// between attempts. A permanent-skip error aborts retrying immediately. A
// panicking worker is recorded as a failed run, never a crashed batch.
func (e *Executor) processWithRetry(ctx context.Context, b Batch, run int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("%s: run %d panicked: %v", b.Name, run, r)
			err = fmt.Errorf("run %d panicked: %v", run, r)
		}
	}()
	attempts := uint(e.Retries + 1)
	attempt := uint(0)
	err = retry.Do(
		func() error {
			attempt++
			klog.Infof("%s: processing run %d (attempt %d/%d)", b.Name, run, attempt, attempts)
			perr := b.Process(ctx, run)
			if perr == nil {
				klog.Infof("%s: run %d processed successfully", b.Name, run)
			}
			return perr
		},
		retry.Attempts(attempts),
		retry.Delay(e.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !apperr.IsPermanentSkip(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			klog.Errorf("%s: run %d failed (attempt %d/%d): %v", b.Name, run, n+1, attempts, err)
		}),
	)
	if err != nil {
		if apperr.IsPermanentSkip(err) {
			klog.Errorf("%s: run %d permanently failed: %v", b.Name, run, err)
		} else {
			klog.Errorf("%s: run %d failed after %d attempts: %v", b.Name, run, attempts, err)
		}
	}
	return err
}

func dedupSorted(runs []int) []int {
	out := append([]int(nil), runs...)
	sort.Ints(out)
	j := 0
	for i, r := range out {
		if i == 0 || r != out[j-1] {
			out[j] = r
			j++
		}
	}
	return out[:j]
}
