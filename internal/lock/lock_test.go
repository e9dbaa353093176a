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

package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SBNSoftware/run-record-archiver/internal/apperr"
)

func TestAcquireWritesPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "archiver.lock")
	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, l.IsValid())
}

func TestAcquireHeldFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archiver.lock")
	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	_, err = Acquire(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrLockHeld)
}

func TestReleaseRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archiver.lock")
	l, err := Acquire(path)
	require.NoError(t, err)
	l.Release()

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	// Reacquirable after release.
	l2, err := Acquire(path)
	require.NoError(t, err)
	l2.Release()
}

func TestIsValidAfterRemoval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archiver.lock")
	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	require.NoError(t, os.Remove(path))
	assert.False(t, l.IsValid())
}

func TestIsValidForeignPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archiver.lock")
	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	require.NoError(t, os.WriteFile(path, []byte("99999999\n"), 0o644))
	assert.False(t, l.IsValid())
}
