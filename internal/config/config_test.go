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

package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SBNSoftware/run-record-archiver/internal/apperr"
)

const minimalConfig = `
source_files:
  run_records_dir: /data/run_records
artdaq_db:
  database_uri: mongodb://localhost:27017/test_db
  fcl_conf_dir: /etc/archiver/fcl
ucon_db:
  server_url: https://ucondb.example.org:8443/sbnd_on_ucon_prod
  folder_name: sbnd_run_records
  object_name: configuration
  writer_user: writer
  writer_password: secret
`

func TestParseMinimal(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "/data/run_records", cfg.Source.RunRecordsDir)
	assert.Equal(t, 5, cfg.App.BatchSize)
	assert.Equal(t, 2, cfg.App.ParallelWorkers)
	assert.Equal(t, 2, cfg.App.RunProcessRetries)
	assert.Equal(t, 3, cfg.App.RetryDelaySeconds)
	assert.Equal(t, 30, cfg.UconDB.TimeoutSeconds)
	assert.Equal(t, "data", cfg.UconDB.DataURLPrefix)
	assert.Equal(t, "/tmp/run_record_archiver", cfg.App.WorkDir)
	assert.Contains(t, cfg.App.ImportStateFile, "importer_state.json")
}

func TestParseMissingRequiredKey(t *testing.T) {
	_, err := Parse([]byte("source_files:\n  run_records_dir: /data\n"))
	require.Error(t, err)
	var cfgErr *apperr.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "artdaq_db.database_uri")
}

func TestParseMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("app: [unclosed"))
	require.Error(t, err)
	var cfgErr *apperr.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("ARCHIVER_TEST_DIR", "/srv/records")
	cfg, err := Parse([]byte(strings.Replace(minimalConfig,
		"/data/run_records", "${ARCHIVER_TEST_DIR}", 1)))
	require.NoError(t, err)
	assert.Equal(t, "/srv/records", cfg.Source.RunRecordsDir)
}

func TestEnvExpansionDefault(t *testing.T) {
	cfg, err := Parse([]byte(strings.Replace(minimalConfig,
		"/data/run_records", "${ARCHIVER_UNSET_VAR:-/fallback/records}", 1)))
	require.NoError(t, err)
	assert.Equal(t, "/fallback/records", cfg.Source.RunRecordsDir)
}

func TestEnvExpansionNestedDefault(t *testing.T) {
	t.Setenv("ARCHIVER_INNER", "/from-inner")
	cfg, err := Parse([]byte(strings.Replace(minimalConfig,
		"/data/run_records", "${ARCHIVER_OUTER_UNSET:-${ARCHIVER_INNER}}", 1)))
	require.NoError(t, err)
	assert.Equal(t, "/from-inner", cfg.Source.RunRecordsDir)
}

func TestParamRefExpansion(t *testing.T) {
	yaml := minimalConfig + `
app:
  work_dir: /var/archiver
  import_state_file: ${work_dir}/import.json
  migrate_state_file: ${app.work_dir}/migrate.json
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "/var/archiver/import.json", cfg.App.ImportStateFile)
	assert.Equal(t, "/var/archiver/migrate.json", cfg.App.MigrateStateFile)
}

func TestParamRefCycle(t *testing.T) {
	yaml := minimalConfig + `
app:
  work_dir: ${app.lock_file}
  lock_file: ${app.work_dir}
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular reference")
}

func TestEmailValidation(t *testing.T) {
	yaml := minimalConfig + `
reporting:
  email:
    enabled: true
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email reporting")
}

func TestSlackValidation(t *testing.T) {
	yaml := minimalConfig + `
reporting:
  slack:
    enabled: true
    channel: "#daq-alerts"
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slack reporting")
}
