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

// Package blob packs a directory of text configuration files into a single
// framed text document and unpacks it again. The framing is byte-exact:
// the migrate stage verifies uploads by checksumming the round trip.
package blob

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"k8s.io/klog/v2"
)

// timestampLayout renders the C-locale "%b %d %H:%M" form; the blob always
// carries UTC.
const timestampLayout = "Jan 02 15:04"

// endFiles is the fixed tail: these files, when present, appear after all
// others and in exactly this order. Matching is case-insensitive.
var endFiles = []string{
	"boot.fcl",
	"known_boardreaders_list.fcl",
	"setup.fcl",
	"environment.fcl",
	"metadata.fcl",
	"settings.fcl",
	"ranks.fcl",
	"RunHistory.fcl",
	"RunHistory2.fcl",
}

// PackDirectory packs all regular files under dir (paths relative to dir)
// into a blob for the given run, stamped with the current UTC time. It is an
// error if dir contains no files.
func PackDirectory(run int, dir string) (string, error) {
	files := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[rel] = decodeText(path, b)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("reading config files for run %d: %v", run, err)
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no config files found in %s for run %d", dir, run)
	}
	return Pack(run, files, time.Now()), nil
}

// Pack assembles the framed blob from the given filename→content map.
// Contents are included verbatim; ordering is regular files sorted by
// lowercase name followed by the end-files tail.
func Pack(run int, files map[string]string, now time.Time) string {
	ts := now.UTC().Format(timestampLayout) + " UTC"
	var b strings.Builder
	fmt.Fprintf(&b, "Start of Record\nRun Number: %d\nPacked on %s\n", run, ts)
	for _, name := range orderFiles(files) {
		fmt.Fprintf(&b, "\n#####\n%s:\n#####\n", name)
		b.WriteString(files[name])
	}
	fmt.Fprintf(&b, "\nEnd of Record\nRun Number: %d\nPacked on %s\n", run, ts)
	return b.String()
}

// orderFiles returns the filenames in blob order.
func orderFiles(files map[string]string) []string {
	tailIndex := func(name string) int {
		for i, e := range endFiles {
			if strings.EqualFold(name, e) {
				return i
			}
		}
		return -1
	}
	var regular []string
	tail := make([]string, len(endFiles))
	for name := range files {
		if i := tailIndex(name); i >= 0 {
			tail[i] = name
		} else {
			regular = append(regular, name)
		}
	}
	sort.Slice(regular, func(i, j int) bool {
		return strings.ToLower(regular[i]) < strings.ToLower(regular[j])
	})
	for _, name := range tail {
		if name != "" {
			regular = append(regular, name)
		}
	}
	return regular
}

// decodeText returns b as a string, degrading non-UTF-8 input to its ASCII
// subset with a warning.
func decodeText(path string, b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	klog.Warningf("File %q not UTF-8, keeping ASCII bytes only", path)
	ascii := make([]byte, 0, len(b))
	for _, c := range b {
		if c < utf8.RuneSelf {
			ascii = append(ascii, c)
		}
	}
	return string(ascii)
}

const (
	fileDelim = "\n#####\n"
	endMarker = "\nEnd of Record\n"
)

// Unpack parses a blob back into its filename→content map. Each section is
// terminated by the next file delimiter or by the End of Record trailer. An
// error is returned if the blob contains no file delimiters.
func Unpack(blob string) (map[string]string, error) {
	d, ok := nextDelim(blob, 0)
	if !ok {
		return nil, errors.New("no file delimiters found in blob")
	}
	files := map[string]string{}
	for ok {
		next, more := nextDelim(blob, d.contentStart)
		end := len(blob)
		if more {
			end = next.start
		}
		if e := strings.Index(blob[d.contentStart:end], endMarker); e >= 0 {
			end = d.contentStart + e
		}
		files[d.name] = blob[d.contentStart:end]
		d, ok = next, more
	}
	return files, nil
}

type delim struct {
	start        int
	contentStart int
	name         string
}

// nextDelim finds the next full #####/name:/##### delimiter at or after
// from. A bare ##### line that is not part of a full delimiter is treated as
// content.
func nextDelim(s string, from int) (delim, bool) {
	for i := from; ; i++ {
		j := strings.Index(s[i:], fileDelim)
		if j < 0 {
			return delim{}, false
		}
		i += j
		rest := s[i+len(fileDelim):]
		nl := strings.IndexByte(rest, '\n')
		if nl > 1 && strings.HasSuffix(rest[:nl], ":") && strings.HasPrefix(rest[nl+1:], "#####\n") {
			return delim{
				start:        i,
				contentStart: i + len(fileDelim) + nl + 1 + len("#####\n"),
				name:         rest[:nl-1],
			}, true
		}
	}
}
