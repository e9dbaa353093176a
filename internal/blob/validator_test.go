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

package blob

import (
	"strings"
	"testing"
)

func validBlob(metadata string) string {
	return Pack(5, map[string]string{"metadata.fcl": metadata}, packTime)
}

func TestValidatePasses(t *testing.T) {
	metadata := strings.Join([]string{
		`components: "tpc01, pmt02"`,
		`config_name: "standard_cfg"`,
		`sbndaq_commit_or_version: "v1_10_02"`,
	}, "\n") + "\n"
	v := NewValidator(nil)
	errs, results := v.Validate(validBlob(metadata), 5)
	if errs != 0 {
		t.Fatalf("Validate errors = %d (%v), want 0", errs, results)
	}
	if got, want := results["configuration"], "standard_cfg"; got != want {
		t.Errorf("configuration = %q, want %q", got, want)
	}
	if got, want := results["components"], "tpc01, pmt02"; got != want {
		t.Errorf("components = %q, want %q", got, want)
	}
}

func TestValidateMissingParameter(t *testing.T) {
	metadata := "config_name: x\nsbndaq_commit_or_version: y\n"
	v := NewValidator(nil)
	errs, results := v.Validate(validBlob(metadata), 5)
	if errs != 1 {
		t.Fatalf("Validate errors = %d (%v), want 1", errs, results)
	}
	if !strings.Contains(results["components"], "no matches") {
		t.Errorf("components result = %q, want no-matches error", results["components"])
	}
}

func TestValidateDuplicateParameter(t *testing.T) {
	metadata := "config_name: x\nconfig_name: y\ncomponents: z\nsbndaq_commit_or_version: v\n"
	v := NewValidator(nil)
	errs, results := v.Validate(validBlob(metadata), 5)
	if errs != 1 {
		t.Fatalf("Validate errors = %d (%v), want 1", errs, results)
	}
	if !strings.Contains(results["configuration"], "multiple matches") {
		t.Errorf("configuration result = %q, want multiple-matches error", results["configuration"])
	}
}

func TestValidateMissingFile(t *testing.T) {
	blob := Pack(5, map[string]string{"other.fcl": "a: b\n"}, packTime)
	v := NewValidator(nil)
	errs, _ := v.Validate(blob, 5)
	if errs != len(DefaultParameterSpec["metadata.fcl"]) {
		t.Errorf("Validate errors = %d, want %d", errs, len(DefaultParameterSpec["metadata.fcl"]))
	}
}

func TestValidateUnparseableBlob(t *testing.T) {
	v := NewValidator(nil)
	errs, results := v.Validate("garbage", 5)
	if errs != 1 {
		t.Errorf("Validate errors = %d (%v), want 1", errs, results)
	}
}
