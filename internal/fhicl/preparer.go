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

// Package fhicl stages run-record artifacts into the archive-ready layout
// the artdaqDB tooling expects: plain-text metadata rewritten as FHiCL, the
// schema copied in, and the stop-time update document extracted.
package fhicl

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"k8s.io/klog/v2"
)

// DefaultConfigName is used when the run's metadata carries no config name.
const DefaultConfigName = "standard"

var (
	keyValueLine = regexp.MustCompile(`^\s*([^:]+?)\s*:\s*(.*)$`)
	configLine   = regexp.MustCompile(`^Config name:\s+(.*)$`)
	stopTimeLine = regexp.MustCompile(`^DAQInterface stop time:\s+(.*)$`)
	keyCleaner   = regexp.MustCompile(`[\s()/]`)
)

// Preparer stages run directories for archiving.
type Preparer struct {
	// confDir holds the shared schema.fcl copied into every staged run.
	confDir string
}

// NewPreparer returns a Preparer using schema files from confDir.
func NewPreparer(confDir string) (*Preparer, error) {
	fi, err := os.Stat(confDir)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("FHiCL conf dir %q is not a directory", confDir)
	}
	return &Preparer{confDir: confDir}, nil
}

// PrepareForArchive copies the run directory into scratchDir, rewrites
// metadata.txt into metadata.fcl, drops other .txt artifacts, and copies in
// schema.fcl. It returns the config name resolved from the run's metadata.
func (p *Preparer) PrepareForArchive(runDir, scratchDir string) (string, error) {
	if err := copyTree(runDir, scratchDir); err != nil {
		return "", fmt.Errorf("staging run files: %v", err)
	}
	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		return "", fmt.Errorf("reading staged files: %v", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		src := filepath.Join(scratchDir, e.Name())
		if e.Name() == "metadata.txt" {
			content, err := os.ReadFile(src)
			if err != nil {
				return "", fmt.Errorf("reading %s: %v", src, err)
			}
			dest := filepath.Join(scratchDir, "metadata.fcl")
			if err := os.WriteFile(dest, []byte(Fhiclize(string(content))), 0o644); err != nil {
				return "", fmt.Errorf("writing %s: %v", dest, err)
			}
		}
		if err := os.Remove(src); err != nil {
			return "", fmt.Errorf("removing %s: %v", src, err)
		}
	}
	schema := filepath.Join(p.confDir, "schema.fcl")
	if err := copyFile(schema, filepath.Join(scratchDir, "schema.fcl")); err != nil {
		return "", fmt.Errorf("schema not found at %s: %v", schema, err)
	}
	return p.resolveConfigName(runDir), nil
}

// PrepareForUpdate writes RunHistory2.fcl into scratchDir carrying the
// run's stop time. It reports whether any update content was found; when
// false the caller skips the update archive pass.
func (p *Preparer) PrepareForUpdate(runDir, scratchDir string) (bool, error) {
	var lines []string
	metadataPath := filepath.Join(runDir, "metadata.txt")
	if content, err := os.ReadFile(metadataPath); err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if m := stopTimeLine.FindStringSubmatch(line); m != nil {
				lines = append(lines, fmt.Sprintf("DAQInterface_stop_time: %q", m[1]))
			}
		}
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("reading %s: %v", metadataPath, err)
	}
	dest := filepath.Join(scratchDir, "RunHistory2.fcl")
	if err := os.WriteFile(dest, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return false, fmt.Errorf("writing %s: %v", dest, err)
	}
	return len(lines) > 0, nil
}

// Fhiclize rewrites a plain-text "key: value" document into FHiCL: keys
// have whitespace, parens and slashes replaced with underscores, values are
// quoted with embedded quotes escaped. Lines that are not key/value pairs
// are dropped.
func Fhiclize(content string) string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		m := keyValueLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := keyCleaner.ReplaceAllString(strings.TrimSpace(m[1]), "_")
		value := strings.Trim(strings.TrimSpace(m[2]), `'"`)
		value = strings.ReplaceAll(value, `"`, `\"`)
		out = append(out, fmt.Sprintf(`%s: "%s"`, key, value))
	}
	return strings.Join(out, "\n")
}

// resolveConfigName reads the config name from the run's metadata, falling
// back to DefaultConfigName.
func (p *Preparer) resolveConfigName(runDir string) string {
	metadataPath := filepath.Join(runDir, "metadata.txt")
	content, err := os.ReadFile(metadataPath)
	if err != nil {
		if !os.IsNotExist(err) {
			klog.Warningf("Could not read metadata file %s: %v", metadataPath, err)
		}
		return DefaultConfigName
	}
	for _, line := range strings.Split(string(content), "\n") {
		if m := configLine.FindStringSubmatch(line); m != nil {
			if name := strings.TrimSpace(m[1]); name != "" {
				return strings.ReplaceAll(name, "/", "_")
			}
		}
	}
	return DefaultConfigName
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
