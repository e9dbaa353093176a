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

// Package lock enforces the single-instance-per-host rule with an advisory
// file lock whose payload is the owning PID.
//
// The lock file doubles as an operator control surface: removing it while
// the archiver runs is detected by the orchestrator's watchdog and converted
// into a graceful shutdown.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"k8s.io/klog/v2"

	"github.com/SBNSoftware/run-record-archiver/internal/apperr"
)

// Lock is a held process lock. Release it on all exit paths.
type Lock struct {
	path string
	fl   *flock.Flock
	pid  int
}

// Acquire takes an exclusive non-blocking advisory lock on path, creating
// parent directories as needed, and writes the current PID as the file's
// first line. Returns apperr.ErrLockHeld if another process holds it.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %v", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %v", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("another process may be running, lock file %q is held: %w", path, apperr.ErrLockHeld)
	}
	pid := os.Getpid()
	// The flock is attached to the open file description, so rewriting the
	// file contents through a second handle does not release it.
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write lock payload: %v", err)
	}
	klog.V(1).Infof("Acquired lock %s (pid %d)", path, pid)
	return &Lock{path: path, fl: fl, pid: pid}, nil
}

// IsValid reports whether the lock file still exists on disk and its first
// line is this process's PID. The orchestrator's watchdog polls this to turn
// out-of-band lock removal into a shutdown signal.
func (l *Lock) IsValid() bool {
	b, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(b)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return false
	}
	return pid == l.pid
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// PID returns the PID recorded in the lock.
func (l *Lock) PID() int {
	return l.pid
}

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *Lock) Release() {
	if l.fl == nil {
		return
	}
	if err := l.fl.Unlock(); err != nil {
		klog.Warningf("Failed to unlock %s: %v", l.path, err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		klog.Warningf("Failed to remove lock file %s: %v", l.path, err)
	}
	l.fl = nil
}
