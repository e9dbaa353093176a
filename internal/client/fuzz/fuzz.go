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

// Package fuzz injects synthetic failures into the data-plane clients for
// fault drills: random retriable errors, random permanent skips, and soft
// skips that report success without doing the work (forcing a later
// reconciliation pass to pick the run up again).
package fuzz

import (
	"fmt"
	"math/rand"
	"sync"

	"k8s.io/klog/v2"

	"github.com/SBNSoftware/run-record-archiver/internal/apperr"
)

// Action is the injector's verdict for one operation.
type Action int

const (
	// Proceed means no fault was injected.
	Proceed Action = iota
	// SoftSkip means the caller should report success without doing the
	// work.
	SoftSkip
)

// Injector decides per-operation whether to inject a fault. The zero value
// injects nothing.
type Injector struct {
	SkipPercent    int
	SkipPermanent  bool
	ErrorPercent   int
	ErrorPermanent bool

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds an Injector from the configured percentages.
func New(skipPercent int, skipPermanent bool, errorPercent int, errorPermanent bool, seed int64) *Injector {
	return &Injector{
		SkipPercent:    skipPercent,
		SkipPermanent:  skipPermanent,
		ErrorPercent:   errorPercent,
		ErrorPermanent: errorPermanent,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

func (i *Injector) roll() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.rng == nil {
		i.rng = rand.New(rand.NewSource(1))
	}
	return i.rng.Intn(100) + 1
}

// Intercept is called before an operation on the given run. It returns
// SoftSkip, a retriable error, a permanent-skip error, or Proceed with nil.
func (i *Injector) Intercept(op string, run int) (Action, error) {
	if i == nil {
		return Proceed, nil
	}
	if i.SkipPercent > 0 && i.roll() <= i.SkipPercent {
		if i.SkipPermanent {
			klog.Warningf("[FUZZ] Permanently skipping run %d in %s - will NOT retry", run, op)
			return Proceed, fmt.Errorf("[FUZZ] permanent skip for run %d: %w", run, apperr.ErrPermanentSkip)
		}
		klog.Warningf("[FUZZ] Randomly skipping run %d in %s - will be picked up later", run, op)
		return SoftSkip, nil
	}
	if i.ErrorPercent > 0 && i.roll() <= i.ErrorPercent {
		if i.ErrorPermanent {
			klog.Warningf("[FUZZ] Permanently failing run %d in %s - will NOT retry", run, op)
			return Proceed, fmt.Errorf("[FUZZ] permanent error for run %d: %w", run, apperr.ErrPermanentSkip)
		}
		klog.Warningf("[FUZZ] Randomly failing run %d in %s - will retry", run, op)
		return Proceed, fmt.Errorf("[FUZZ] random test failure for run %d in %s", run, op)
	}
	return Proceed, nil
}
