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

package artdaq

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestArchiveURI(t *testing.T) {
	for _, test := range []struct {
		name    string
		uri     string
		want    string
		wantErr bool
	}{
		{
			name: "mongodb",
			uri:  "mongodb://localhost:27017/test_db",
			want: "mongodb://localhost:27017/test_db_archive",
		}, {
			name: "with query",
			uri:  "mongodb://db-host:27017/prod_db?authSource=admin",
			want: "mongodb://db-host:27017/prod_db_archive?authSource=admin",
		}, {
			name: "filesystem",
			uri:  "filesystemdb://var/databases/test_db",
			want: "filesystemdb://var/databases/test_db_archive",
		}, {
			name:    "no scheme",
			uri:     "localhost/test_db",
			wantErr: true,
		}, {
			name:    "no path",
			uri:     "mongodb://localhost:27017",
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := archiveURI(test.uri)
			if test.wantErr {
				if err == nil {
					t.Fatalf("archiveURI(%q) succeeded with %q, want error", test.uri, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("archiveURI(%q): %v", test.uri, err)
			}
			if got != test.want {
				t.Errorf("archiveURI(%q) = %q, want %q", test.uri, got, test.want)
			}
		})
	}
}

func TestParseConfigurations(t *testing.T) {
	lines := []string{
		"101/standard_cfg",
		"102/standard_cfgv2",
		" 103/other ",
		"not a config",
		"0/bogus",
		"101/duplicate_later_version",
	}
	got := parseConfigurations(lines)
	want := map[int]string{
		101: "standard_cfg",
		102: "standard_cfgv2",
		103: "other",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseConfigurations mismatch (-want +got):\n%s", diff)
	}
}

func TestShellQuote(t *testing.T) {
	if got, want := shellQuote("plain"), "'plain'"; got != want {
		t.Errorf("shellQuote = %q, want %q", got, want)
	}
	if got, want := shellQuote("it's"), `'it'\''s'`; got != want {
		t.Errorf("shellQuote = %q, want %q", got, want)
	}
}
