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

// Package artdaq wraps the artdaq_database tooling behind a capability
// interface: list archived runs, archive a prepared run directory, and
// export a run's entity files.
//
// Two implementations exist. The tool client shells out to the bulkloader
// and conftool executables per call and supports the configured parallel
// worker count. The serialized client models the non-reentrant in-process
// library path: it funnels every call through a process-wide mutex and the
// global ARTDAQ_DATABASE_URI environment variable, and therefore reports an
// effective worker count of 1.
package artdaq

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/SBNSoftware/run-record-archiver/internal/runset"
)

// Client is the set of artdaqDB operations the pipeline needs. All methods
// must be safe for concurrent use at the stage's call granularity.
type Client interface {
	// ArchivedRuns lists the run numbers present in the archive database.
	ArchivedRuns(ctx context.Context) (runset.Set, error)
	// ArchiveRun stores the prepared files in dir under
	// "<run>/<configName>". update selects the update-document pass.
	ArchiveRun(ctx context.Context, run int, configName, dir string, update bool) error
	// ExportRun materialises the run's entity files into destDir.
	ExportRun(ctx context.Context, run int, destDir string) error
	// EffectiveWorkers clamps the requested pool size to what the
	// implementation can safely run in parallel.
	EffectiveWorkers(requested int) int
	// SetIncrementalMode disables fault injection for incremental runs.
	SetIncrementalMode(incremental bool)
}

// configName matches the "<run>/<config>" archived configuration naming.
var configName = regexp.MustCompile(`^\s*(\d+)/(.+?)\s*$`)

// parseConfigurations extracts run → config name from archived
// configuration names, one per line. Later versions ("<run>/<config>v2")
// collapse onto the same run.
func parseConfigurations(lines []string) map[int]string {
	out := map[int]string{}
	for _, line := range lines {
		m := configName.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		run, err := strconv.Atoi(m[1])
		if err != nil || run <= 0 {
			continue
		}
		if _, seen := out[run]; !seen {
			out[run] = m[2]
		}
	}
	return out
}

func runsOf(configs map[int]string) runset.Set {
	s := runset.New()
	for r := range configs {
		s.Add(r)
	}
	return s
}

// archiveURI derives the archive database URI by suffixing the URI's path
// component with "_archive", preserving any query string.
func archiveURI(uri string) (string, error) {
	schemeEnd := strings.Index(uri, "://")
	if schemeEnd < 0 {
		return "", errInvalidURI(uri)
	}
	slash := strings.IndexByte(uri[schemeEnd+3:], '/')
	if slash < 0 {
		return "", errInvalidURI(uri)
	}
	pathStart := schemeEnd + 3 + slash + 1
	pathEnd := len(uri)
	if q := strings.IndexByte(uri[pathStart:], '?'); q >= 0 {
		pathEnd = pathStart + q
	}
	if pathStart == pathEnd {
		return "", errInvalidURI(uri)
	}
	return uri[:pathEnd] + "_archive" + uri[pathEnd:], nil
}
