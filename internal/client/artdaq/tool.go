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
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/SBNSoftware/run-record-archiver/internal/client/fuzz"
	"github.com/SBNSoftware/run-record-archiver/internal/runset"
)

// processTimeout bounds every external tool invocation.
const processTimeout = 300 * time.Second

// passthroughEnv is the environment the artdaq tools need from the parent.
var passthroughEnv = []string{
	"PATH",
	"LD_LIBRARY_PATH",
	"PYTHONPATH",
	"ARTDAQ_DATABASE_DATADIR",
	"ARTDAQ_DATABASE_CONFDIR",
}

func errInvalidURI(uri string) error {
	return fmt.Errorf("invalid database URI format: %q", uri)
}

// ToolConfig configures the external-tool client.
type ToolConfig struct {
	DatabaseURI string
	// RemoteHost, when set, runs the bulkloader over ssh on that host with
	// the staged files piped across as a tar stream.
	RemoteHost string
	Injector   *fuzz.Injector
}

// toolClient drives bulkloader and conftool as child processes. Each call
// carries its own environment, so the full parallel worker count is safe.
type toolClient struct {
	cfg         ToolConfig
	archiveURI  string
	incremental bool
}

// NewToolClient returns the external-tool implementation.
func NewToolClient(cfg ToolConfig) (Client, error) {
	if cfg.RemoteHost == "" {
		cfg.RemoteHost = os.Getenv("ARTDAQ_DATABASE_REMOTEHOST")
	}
	archive, err := archiveURI(cfg.DatabaseURI)
	if err != nil {
		return nil, err
	}
	return &toolClient{cfg: cfg, archiveURI: archive}, nil
}

func (c *toolClient) EffectiveWorkers(requested int) int {
	if requested < 1 {
		return 1
	}
	return requested
}

func (c *toolClient) SetIncrementalMode(incremental bool) {
	c.incremental = incremental
}

func (c *toolClient) env() []string {
	env := make([]string, 0, len(passthroughEnv)+1)
	for _, k := range passthroughEnv {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return append(env, "ARTDAQ_DATABASE_URI="+c.archiveURI)
}

func (c *toolClient) ArchivedRuns(ctx context.Context) (runset.Set, error) {
	configs, err := c.archivedConfigs(ctx)
	if err != nil {
		return nil, err
	}
	return runsOf(configs), nil
}

func (c *toolClient) archivedConfigs(ctx context.Context) (map[int]string, error) {
	out, err := c.runTool(ctx, "conftool.py", "getListOfArchivedRunConfigurations")
	if err != nil {
		return nil, fmt.Errorf("list archived configurations: %v", err)
	}
	return parseConfigurations(strings.Split(out, "\n")), nil
}

func (c *toolClient) ArchiveRun(ctx context.Context, run int, config, dir string, update bool) error {
	if !c.incremental {
		action, err := c.cfg.Injector.Intercept("artdaq.archive", run)
		if err != nil {
			return err
		}
		if action == fuzz.SoftSkip {
			return nil
		}
	}
	configs, err := c.archivedConfigs(ctx)
	if err != nil {
		return err
	}
	_, present := configs[run]
	if present && !update {
		return fmt.Errorf("configuration %d/%s is already archived", run, config)
	}
	if !present && update {
		return fmt.Errorf("configuration %d/%s not found for update", run, config)
	}
	if c.cfg.RemoteHost != "" {
		return c.runRemoteBulkloader(ctx, run, config, dir)
	}
	return c.runLocalBulkloader(ctx, run, config, dir)
}

func (c *toolClient) runLocalBulkloader(ctx context.Context, run int, config, dir string) error {
	_, err := c.runToolIn(ctx, dir, "bulkloader",
		"-r", fmt.Sprint(run),
		"-c", config,
		"-p", dir)
	if err != nil {
		return fmt.Errorf("bulkloader for run %d: %v", run, err)
	}
	return nil
}

// runRemoteBulkloader stages the prepared directory to the remote host as a
// tar stream and runs the bulkloader there inside a throwaway directory.
func (c *toolClient) runRemoteBulkloader(ctx context.Context, run int, config, dir string) error {
	remoteTmp := fmt.Sprintf("/tmp/bulkloader_%d_%d", run, os.Getpid())
	var exports []string
	for _, kv := range c.env() {
		k, v, _ := strings.Cut(kv, "=")
		exports = append(exports, fmt.Sprintf("export %s=%s", k, shellQuote(v)))
	}
	remoteScript := strings.Join([]string{
		fmt.Sprintf("mkdir -p %s", shellQuote(remoteTmp)),
		fmt.Sprintf("cd %s", shellQuote(remoteTmp)),
		"tar xzf -",
		strings.Join(exports, "; "),
		fmt.Sprintf("bulkloader -r %d -c %s -p %s", run, shellQuote(config), shellQuote(remoteTmp)),
		"cd /",
		fmt.Sprintf("rm -rf %s", shellQuote(remoteTmp)),
	}, "; ")
	pipeline := fmt.Sprintf(
		"tar czf - -C %s . | ssh -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null -o BatchMode=yes %s %s",
		shellQuote(dir), shellQuote(c.cfg.RemoteHost), shellQuote(remoteScript))
	cctx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "bash", "-c", pipeline)
	cmd.Env = c.env()
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	klog.V(1).Infof("Executing remote bulkloader for run %d on %s", run, c.cfg.RemoteHost)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("remote bulkloader for run %d: %v\nstdout: %s\nstderr: %s", run, err, stdout.String(), stderr.String())
	}
	if stderr.Len() > 0 {
		klog.Warningf("Bulkloader stderr for run %d:\n%s", run, stderr.String())
	}
	return nil
}

func (c *toolClient) ExportRun(ctx context.Context, run int, destDir string) error {
	configs, err := c.archivedConfigs(ctx)
	if err != nil {
		return err
	}
	config, ok := configs[run]
	if !ok {
		return fmt.Errorf("run %d not found in archive database", run)
	}
	if _, err := c.runTool(ctx, "conftool.py", "exportArchivedRunConfiguration",
		fmt.Sprintf("%d/%s", run, config), destDir); err != nil {
		return fmt.Errorf("export run %d: %v", run, err)
	}
	return nil
}

func (c *toolClient) runTool(ctx context.Context, name string, args ...string) (string, error) {
	return c.runToolIn(ctx, "", name, args...)
}

func (c *toolClient) runToolIn(ctx context.Context, dir, name string, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Dir = dir
	cmd.Env = c.env()
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	klog.V(1).Infof("Executing %s %s", name, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%s timed out after %s\nstderr: %s", name, processTimeout, stderr.String())
		}
		return "", fmt.Errorf("%s failed: %v\nstdout: %s\nstderr: %s", name, err, stdout.String(), stderr.String())
	}
	if stderr.Len() > 0 {
		klog.V(1).Infof("%s stderr:\n%s", name, stderr.String())
	}
	return stdout.String(), nil
}

// shellQuote single-quotes s for inclusion in a bash -c command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
