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
	"fmt"
	"regexp"
	"strings"

	"k8s.io/klog/v2"
)

// DefaultParameterSpec maps blob filenames to the metadata parameters the
// validator checks in them: parameter name → FHiCL key.
var DefaultParameterSpec = map[string]map[string]string{
	"metadata.fcl": {
		"components":     "components",
		"configuration":  "config_name",
		"projectversion": "sbndaq_commit_or_version",
	},
}

// Validator checks uploaded blobs for the presence of required metadata
// parameters. Validation failures are diagnostics, never pipeline failures.
type Validator struct {
	spec map[string]map[string]string
}

// NewValidator returns a Validator for spec, or the default spec when nil.
func NewValidator(spec map[string]map[string]string) *Validator {
	if spec == nil {
		spec = DefaultParameterSpec
	}
	return &Validator{spec: spec}
}

// Validate unpacks the blob and checks each configured parameter, returning
// the error count and a per-parameter result map.
func (v *Validator) Validate(blob string, run int) (int, map[string]string) {
	files, err := Unpack(blob)
	if err != nil {
		klog.Errorf("Failed to unpack blob for run %d: %v", run, err)
		return 1, map[string]string{"error": fmt.Sprintf("failed to unpack blob: %v", err)}
	}
	results := map[string]string{}
	errorCount := 0
	for fileName, fileSpec := range v.spec {
		content, ok := files[fileName]
		if !ok {
			klog.Warningf("Required file %q not found in blob for run %d", fileName, run)
			for param := range fileSpec {
				results[param] = fmt.Sprintf("Error: file %q not found", fileName)
			}
			errorCount += len(fileSpec)
			continue
		}
		n, r := parseMetadata(content, fileSpec)
		errorCount += n
		for k, val := range r {
			results[k] = val
		}
	}
	if errorCount == 0 {
		klog.Infof("Blob validation passed for run %d: %v", run, results)
	} else {
		klog.Warningf("Blob validation found %d errors for run %d: %v", errorCount, run, results)
	}
	return errorCount, results
}

// parseMetadata expects exactly one match per key in the file content.
func parseMetadata(content string, fileSpec map[string]string) (int, map[string]string) {
	results := map[string]string{}
	errorCount := 0
	for param, key := range fileSpec {
		re := regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(key) + `:\s+(.+)$`)
		matches := re.FindAllStringSubmatch(content, -1)
		switch {
		case len(matches) == 0:
			results[param] = fmt.Sprintf("Error: no matches for parameter %q", key)
			errorCount++
		case len(matches) > 1:
			results[param] = fmt.Sprintf("Error: multiple matches for parameter %q", key)
			errorCount++
		default:
			results[param] = strings.TrimSpace(strings.ReplaceAll(matches[0][1], `"`, ""))
		}
	}
	return errorCount, results
}
