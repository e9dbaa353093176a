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

package reporter

import (
	"strings"
	"testing"

	"github.com/SBNSoftware/run-record-archiver/internal/runset"
)

func TestRecommendations(t *testing.T) {
	fs := runset.New(1, 2, 3, 4)
	artdaq := runset.New(1, 2, 5)
	ucon := runset.New(1, 6)

	recs := Recommendations(fs, artdaq, ucon)
	joined := strings.Join(recs, "\n")
	for _, want := range []string{
		"Run IMPORTER: 2 run(s)",
		"Run MIGRATOR: 2 run(s)",
		"WARNING: 1 run(s) in artdaqDB but not on filesystem",
		"INFO: 1 run(s) in UconDB but not in artdaqDB",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("recommendations missing %q:\n%s", want, joined)
		}
	}
}

func TestRecommendationsAllSynced(t *testing.T) {
	runs := runset.New(1, 2, 3)
	recs := Recommendations(runs, runs, runs)
	if len(recs) != 1 || !strings.Contains(recs[0], "synchronized") {
		t.Errorf("recommendations = %v, want single synchronized line", recs)
	}
}
