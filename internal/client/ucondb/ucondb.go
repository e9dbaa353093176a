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

// Package ucondb is an HTTP client for the UconDB versioned object store.
//
// Blobs live under a fixed folder/object and are keyed by run number. A
// re-upload of an existing key is reported by the server as a conflict;
// callers rely on that being treated as success so retried uploads stay
// idempotent.
package ucondb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/SBNSoftware/run-record-archiver/internal/client/fuzz"
	"github.com/SBNSoftware/run-record-archiver/internal/runset"
)

// Config carries the connection settings for one UconDB endpoint.
type Config struct {
	ServerURL      string
	FolderName     string
	ObjectName     string
	WriterUser     string
	WriterPassword string
	Timeout        time.Duration
	// DataURLPrefix is the path prefix of the canonical data URL; "data" on
	// current deployments, "app/data" on older ones.
	DataURLPrefix string
}

// Client talks to one UconDB server. Safe for concurrent use: all state is
// immutable after construction apart from the incremental-mode flag, which
// is set once before workers start.
type Client struct {
	cfg         Config
	hc          *http.Client
	injector    *fuzz.Injector
	incremental bool
}

// New returns a UconDB client. injector may be nil.
func New(cfg Config, injector *fuzz.Injector) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DataURLPrefix == "" {
		cfg.DataURLPrefix = "data"
	}
	return &Client{
		cfg:      cfg,
		hc:       &http.Client{Timeout: cfg.Timeout},
		injector: injector,
	}
}

// SetIncrementalMode disables fault injection for incremental invocations.
// Must be called before any workers are started.
func (c *Client) SetIncrementalMode(incremental bool) {
	c.incremental = incremental
}

// Version returns the server's version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	b, err := c.get(ctx, c.cfg.ServerURL+"/app/version")
	if err != nil {
		return "", fmt.Errorf("query UconDB version: %v", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// ExistingRuns lists the run numbers already stored under the configured
// folder/object, parsed from the version keys. Non-numeric keys are skipped.
func (c *Client) ExistingRuns(ctx context.Context) (runset.Set, error) {
	url := fmt.Sprintf("%s/app/folders/%s/objects/%s/versions", c.cfg.ServerURL, c.cfg.FolderName, c.cfg.ObjectName)
	b, err := c.get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("look up versions in UconDB: %v", err)
	}
	var versions []struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(b, &versions); err != nil {
		return nil, fmt.Errorf("parse UconDB version list: %v", err)
	}
	runs := runset.New()
	for _, v := range versions {
		if n, err := strconv.Atoi(v.Key); err == nil && n > 0 {
			runs.Add(n)
		}
	}
	return runs, nil
}

// Put uploads the blob under key=run. An upload rejected because the key
// already exists is success: the content is immutable once stored, so a
// retry racing an earlier upload changes nothing.
func (c *Client) Put(ctx context.Context, run int, blob string) error {
	if !c.incremental {
		action, err := c.injector.Intercept("ucondb.put", run)
		if err != nil {
			return err
		}
		if action == fuzz.SoftSkip {
			return nil
		}
	}
	key := strconv.Itoa(run)
	url := fmt.Sprintf("%s/app/data/%s/%s?key=%s&tags=%s", c.cfg.ServerURL, c.cfg.FolderName, c.cfg.ObjectName, key, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(blob))
	if err != nil {
		return fmt.Errorf("build upload request for run %d: %v", run, err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.SetBasicAuth(c.cfg.WriterUser, c.cfg.WriterPassword)
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("upload blob for run %d: %v", run, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode/100 != 2 {
		if strings.Contains(strings.ToLower(string(body)), "already exists") && strings.Contains(string(body), key) {
			klog.Warningf("Run %d already exists in UconDB, treating as success", run)
			return nil
		}
		return fmt.Errorf("upload blob for run %d: HTTP %d: %s", run, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// DataURL returns the canonical URL the verification fetch uses for a run.
func (c *Client) DataURL(run int) string {
	return fmt.Sprintf("%s/%s/%s/%s/key=%d", c.cfg.ServerURL, c.cfg.DataURLPrefix, c.cfg.FolderName, c.cfg.ObjectName, run)
}

// GetData fetches the stored blob for a run from the canonical data URL and
// returns the body as UTF-8 text.
func (c *Client) GetData(ctx context.Context, run int) (string, error) {
	b, err := c.get(ctx, c.DataURL(run))
	if err != nil {
		return "", fmt.Errorf("download blob for run %d: %v", run, err)
	}
	return string(b), nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}
	return body, nil
}
