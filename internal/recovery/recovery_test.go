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

package recovery

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/SBNSoftware/run-record-archiver/internal/runset"
	"github.com/SBNSoftware/run-record-archiver/internal/state"
)

func TestRebuild(t *testing.T) {
	for _, test := range []struct {
		name         string
		store        runset.Set
		upstream     runset.Set
		wantRecord   state.Record
		wantFailures []int
	}{
		{
			name:       "empty store zeroes state",
			store:      runset.New(),
			upstream:   runset.New(1, 2, 3),
			wantRecord: state.Record{},
		}, {
			name:         "contiguous prefix and missing runs",
			store:        runset.New(1, 2, 3, 5, 9),
			upstream:     runset.New(1, 2, 3, 4, 5, 6, 9, 12),
			wantRecord:   state.Record{LastContiguousRun: 3, LastAttemptedRun: 9},
			wantFailures: []int{4, 6},
		}, {
			name:       "full store",
			store:      runset.New(1, 2, 3),
			upstream:   runset.New(1, 2, 3),
			wantRecord: state.Record{LastContiguousRun: 3, LastAttemptedRun: 3},
		}, {
			name:         "upstream beyond attempted ignored",
			store:        runset.New(2, 3),
			upstream:     runset.New(1, 2, 3, 4, 5),
			wantRecord:   state.Record{LastContiguousRun: 3, LastAttemptedRun: 3},
			wantFailures: []int{1},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			dir := t.TempDir()
			stateFile := filepath.Join(dir, "state.json")
			failureLog := filepath.Join(dir, "failures.log")
			Rebuild("TEST RECOVERY", test.store, test.upstream, stateFile, failureLog)

			if got := state.Read(stateFile); got != test.wantRecord {
				t.Errorf("state = %+v, want %+v", got, test.wantRecord)
			}
			got := state.ReadRunLog(failureLog)
			if diff := cmp.Diff(test.wantFailures, got); diff != "" {
				t.Errorf("failure log mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
