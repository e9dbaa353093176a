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
	"context"
	"os"
	"sync"

	"github.com/SBNSoftware/run-record-archiver/internal/runset"
)

// uriEnv is the process-global variable the in-process database library
// reads its target from.
const uriEnv = "ARTDAQ_DATABASE_URI"

// globalURIMu serializes every save/set/restore of uriEnv. The variable is
// process-global, so concurrent workers on this path would clobber each
// other's database target; that is why EffectiveWorkers reports 1.
var globalURIMu sync.Mutex

// serializedClient wraps another Client but routes every call through the
// process-global database URI, saving and restoring it around the call.
// It models the non-reentrant in-process library path.
type serializedClient struct {
	inner      Client
	archiveURI string
}

// NewSerializedClient wraps the tool client for deployments where the
// database tooling reads uriEnv rather than accepting per-call
// configuration.
func NewSerializedClient(cfg ToolConfig) (Client, error) {
	inner, err := NewToolClient(cfg)
	if err != nil {
		return nil, err
	}
	archive, err := archiveURI(cfg.DatabaseURI)
	if err != nil {
		return nil, err
	}
	return &serializedClient{inner: inner, archiveURI: archive}, nil
}

// withGlobalURI runs f with uriEnv pointed at the archive database,
// restoring the previous value afterwards.
func (c *serializedClient) withGlobalURI(f func() error) error {
	globalURIMu.Lock()
	defer globalURIMu.Unlock()
	prev, had := os.LookupEnv(uriEnv)
	if err := os.Setenv(uriEnv, c.archiveURI); err != nil {
		return err
	}
	defer func() {
		if had {
			_ = os.Setenv(uriEnv, prev)
		} else {
			_ = os.Unsetenv(uriEnv)
		}
	}()
	return f()
}

func (c *serializedClient) EffectiveWorkers(int) int {
	return 1
}

func (c *serializedClient) SetIncrementalMode(incremental bool) {
	c.inner.SetIncrementalMode(incremental)
}

func (c *serializedClient) ArchivedRuns(ctx context.Context) (runset.Set, error) {
	var runs runset.Set
	err := c.withGlobalURI(func() error {
		var err error
		runs, err = c.inner.ArchivedRuns(ctx)
		return err
	})
	return runs, err
}

func (c *serializedClient) ArchiveRun(ctx context.Context, run int, config, dir string, update bool) error {
	return c.withGlobalURI(func() error {
		return c.inner.ArchiveRun(ctx, run, config, dir, update)
	})
}

func (c *serializedClient) ExportRun(ctx context.Context, run int, destDir string) error {
	return c.withGlobalURI(func() error {
		return c.inner.ExportRun(ctx, run, destDir)
	})
}
