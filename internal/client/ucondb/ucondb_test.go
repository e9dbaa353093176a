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

package ucondb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(serverURL string) *Client {
	return New(Config{
		ServerURL:      serverURL,
		FolderName:     "sbnd_run_records",
		ObjectName:     "configuration",
		WriterUser:     "writer",
		WriterPassword: "secret",
	}, nil)
}

func TestExistingRuns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/app/folders/sbnd_run_records/objects/configuration/versions", r.URL.Path)
		fmt.Fprint(w, `[{"key":"1"},{"key":"2"},{"key":"junk"},{"key":"10"}]`)
	}))
	defer srv.Close()

	runs, err := testClient(srv.URL).ExistingRuns(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2, 10}, runs.Sorted())
}

func TestPut(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/app/data/sbnd_run_records/configuration", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("key"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "writer", user)
		assert.Equal(t, "secret", pass)
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	err := testClient(srv.URL).Put(context.Background(), 7, "blob contents")
	require.NoError(t, err)
	assert.Equal(t, "blob contents", gotBody)
}

func TestPutAlreadyExistsIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, "version with key 7 already exists")
	}))
	defer srv.Close()

	err := testClient(srv.URL).Put(context.Background(), 7, "blob contents")
	assert.NoError(t, err)
}

func TestPutServerErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := testClient(srv.URL).Put(context.Background(), 7, "blob contents")
	assert.Error(t, err)
}

func TestDataURL(t *testing.T) {
	c := testClient("https://db.example.org:8443/sbnd")
	assert.Equal(t,
		"https://db.example.org:8443/sbnd/data/sbnd_run_records/configuration/key=12",
		c.DataURL(12))
}

func TestDataURLPrefixOverride(t *testing.T) {
	c := New(Config{
		ServerURL:     "https://db.example.org",
		FolderName:    "f",
		ObjectName:    "o",
		DataURLPrefix: "app/data",
	}, nil)
	assert.Equal(t, "https://db.example.org/app/data/f/o/key=3", c.DataURL(3))
}

func TestGetData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data/sbnd_run_records/configuration/key=4", r.URL.Path)
		fmt.Fprint(w, "stored blob")
	}))
	defer srv.Close()

	body, err := testClient(srv.URL).GetData(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "stored blob", body)
}

func TestGetDataNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetData(context.Background(), 4)
	assert.Error(t, err)
}
