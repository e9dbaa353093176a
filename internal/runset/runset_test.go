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

package runset

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDiff(t *testing.T) {
	for _, test := range []struct {
		name  string
		a, b  Set
		want  []int
	}{
		{
			name: "disjoint",
			a:    New(1, 2, 3),
			b:    New(4, 5),
			want: []int{1, 2, 3},
		}, {
			name: "overlap",
			a:    New(1, 2, 3, 4),
			b:    New(2, 4),
			want: []int{1, 3},
		}, {
			name: "empty left",
			a:    New(),
			b:    New(1),
			want: []int{},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got := test.a.Diff(test.b)
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("Diff result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRanges(t *testing.T) {
	for _, test := range []struct {
		name       string
		runs       Set
		wantRanges []Range
		wantGaps   []int
	}{
		{
			name:       "single range",
			runs:       New(1, 2, 3),
			wantRanges: []Range{{1, 3}},
		}, {
			name:       "two ranges one gap",
			runs:       New(1, 2, 4),
			wantRanges: []Range{{1, 2}, {4, 4}},
			wantGaps:   []int{3},
		}, {
			name:       "wide gap",
			runs:       New(5, 10),
			wantRanges: []Range{{5, 5}, {10, 10}},
			wantGaps:   []int{6, 7, 8, 9},
		}, {
			name: "empty",
			runs: New(),
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			ranges, gaps := Ranges(test.runs)
			if diff := cmp.Diff(test.wantRanges, ranges); diff != "" {
				t.Errorf("ranges mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(test.wantGaps, gaps); diff != "" {
				t.Errorf("gaps mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestContiguousPrefix(t *testing.T) {
	for _, test := range []struct {
		name string
		runs Set
		want int
	}{
		{name: "empty", runs: New(), want: 0},
		{name: "from one", runs: New(1, 2, 3, 5), want: 3},
		{name: "not from one", runs: New(4, 5, 6, 9), want: 6},
		{name: "single", runs: New(7), want: 7},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := ContiguousPrefix(test.runs); got != test.want {
				t.Errorf("ContiguousPrefix = %d, want %d", got, test.want)
			}
		})
	}
}

func TestMissingBelow(t *testing.T) {
	candidates := New(1, 2, 3, 4, 5, 8)
	present := New(1, 3, 5)
	got := MissingBelow(candidates, present, 5)
	if diff := cmp.Diff([]int{2, 4}, got); diff != "" {
		t.Errorf("MissingBelow mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatRanges(t *testing.T) {
	ranges := []Range{{1, 3}, {5, 5}}
	if got, want := FormatRanges(ranges, 10), "1-3, 5"; got != want {
		t.Errorf("FormatRanges = %q, want %q", got, want)
	}
	if got, want := FormatRanges(nil, 10), "None"; got != want {
		t.Errorf("FormatRanges(nil) = %q, want %q", got, want)
	}
}

func TestFormatRuns(t *testing.T) {
	if got, want := FormatRuns([]int{1, 2, 3}, 2), "1, 2 ... (3 total)"; got != want {
		t.Errorf("FormatRuns = %q, want %q", got, want)
	}
}
