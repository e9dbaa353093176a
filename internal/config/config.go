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

// Package config loads the archiver's YAML configuration file.
//
// String values are expanded in two phases before decoding: environment
// references (${VAR} / ${VAR:-default}, uppercase names, defaults may nest)
// and parameter references (${section.param} / ${param}, lowercase names).
// A reference cycle is a configuration error.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/SBNSoftware/run-record-archiver/internal/apperr"
)

// App holds the pipeline tuning and durable-file locations.
type App struct {
	WorkDir           string `yaml:"work_dir"`
	ImportStateFile   string `yaml:"import_state_file"`
	ImportFailureLog  string `yaml:"import_failure_log"`
	MigrateStateFile  string `yaml:"migrate_state_file"`
	MigrateFailureLog string `yaml:"migrate_failure_log"`
	LockFile          string `yaml:"lock_file"`
	BatchSize         int    `yaml:"batch_size"`
	ParallelWorkers   int    `yaml:"parallel_workers"`
	RunProcessRetries int    `yaml:"run_process_retries"`
	RetryDelaySeconds int    `yaml:"retry_delay_seconds"`
	LogFile           string `yaml:"log_file"`
}

// Fuzz configures fault injection on the data-plane clients.
type Fuzz struct {
	RandomSkipPercent  int  `yaml:"random_skip_percent"`
	RandomSkipRetry    bool `yaml:"random_skip_retry"`
	RandomErrorPercent int  `yaml:"random_error_percent"`
	RandomErrorRetry   bool `yaml:"random_error_retry"`
}

// Source locates the run-record directories on the filesystem.
type Source struct {
	RunRecordsDir string `yaml:"run_records_dir"`
}

// ArtdaqDB configures the intermediate configuration database client.
type ArtdaqDB struct {
	DatabaseURI string `yaml:"database_uri"`
	FclConfDir  string `yaml:"fcl_conf_dir"`
	UseTools    bool   `yaml:"use_tools"`
	RemoteHost  string `yaml:"remote_host"`
}

// UconDB configures the long-term object store client.
type UconDB struct {
	ServerURL      string `yaml:"server_url"`
	FolderName     string `yaml:"folder_name"`
	ObjectName     string `yaml:"object_name"`
	WriterUser     string `yaml:"writer_user"`
	WriterPassword string `yaml:"writer_password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	DataURLPrefix  string `yaml:"data_url_prefix"`
}

// Carbon configures the plaintext metric sink.
type Carbon struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	MetricPrefix string `yaml:"metric_prefix"`
}

// Email configures SMTP failure reports.
type Email struct {
	Enabled        bool   `yaml:"enabled"`
	RecipientEmail string `yaml:"recipient_email"`
	SenderEmail    string `yaml:"sender_email"`
	SMTPHost       string `yaml:"smtp_host"`
	SMTPPort       int    `yaml:"smtp_port"`
	SMTPUseTLS     bool   `yaml:"smtp_use_tls"`
	SMTPUser       string `yaml:"smtp_user"`
	SMTPPassword   string `yaml:"smtp_password"`
}

// Slack configures Slack failure reports.
type Slack struct {
	Enabled      bool   `yaml:"enabled"`
	BotToken     string `yaml:"bot_token"`
	Channel      string `yaml:"channel"`
	MentionUsers string `yaml:"mention_users"`
}

// Reporting groups the failure-report channels.
type Reporting struct {
	Email Email `yaml:"email"`
	Slack Slack `yaml:"slack"`
}

// Config is the fully expanded, validated configuration.
type Config struct {
	App       App       `yaml:"app"`
	Fuzz      Fuzz      `yaml:"app_fuzz"`
	Source    Source    `yaml:"source_files"`
	ArtdaqDB  ArtdaqDB  `yaml:"artdaq_db"`
	UconDB    UconDB    `yaml:"ucon_db"`
	Carbon    Carbon    `yaml:"carbon"`
	Reporting Reporting `yaml:"reporting"`
}

// Load reads, expands, decodes and validates the configuration at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Configf("cannot read config file %s: %v", path, err)
	}
	return Parse(b)
}

// Parse decodes and validates raw YAML configuration bytes.
func Parse(b []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, apperr.Configf("malformed YAML: %v", err)
	}
	expanded, err := Expand(raw)
	if err != nil {
		return nil, err
	}
	// Round-trip through YAML to decode the expanded tree into the typed
	// config.
	eb, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, apperr.Configf("re-encoding expanded config: %v", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(eb, &cfg); err != nil {
		return nil, apperr.Configf("decoding expanded config: %v", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.WorkDir == "" {
		c.App.WorkDir = "/tmp/run_record_archiver"
	}
	if c.App.ImportStateFile == "" {
		c.App.ImportStateFile = filepath.Join(c.App.WorkDir, "importer_state.json")
	}
	if c.App.ImportFailureLog == "" {
		c.App.ImportFailureLog = filepath.Join(c.App.WorkDir, "import_failures.log")
	}
	if c.App.MigrateStateFile == "" {
		c.App.MigrateStateFile = filepath.Join(c.App.WorkDir, "migrator_state.json")
	}
	if c.App.MigrateFailureLog == "" {
		c.App.MigrateFailureLog = filepath.Join(c.App.WorkDir, "migrate_failures.log")
	}
	if c.App.LockFile == "" {
		c.App.LockFile = filepath.Join(c.App.WorkDir, ".archiver.lock")
	}
	if c.App.BatchSize == 0 {
		c.App.BatchSize = 5
	}
	if c.App.ParallelWorkers == 0 {
		c.App.ParallelWorkers = 2
	}
	if c.App.RunProcessRetries == 0 {
		c.App.RunProcessRetries = 2
	}
	if c.App.RetryDelaySeconds == 0 {
		c.App.RetryDelaySeconds = 3
	}
	if c.UconDB.TimeoutSeconds == 0 {
		c.UconDB.TimeoutSeconds = 30
	}
	if c.UconDB.DataURLPrefix == "" {
		c.UconDB.DataURLPrefix = "data"
	}
	if c.Carbon.Port == 0 {
		c.Carbon.Port = 2003
	}
	if c.Reporting.Email.SMTPPort == 0 {
		c.Reporting.Email.SMTPPort = 25
	}
}

func (c *Config) validate() error {
	required := []struct {
		key, val string
	}{
		{"source_files.run_records_dir", c.Source.RunRecordsDir},
		{"artdaq_db.database_uri", c.ArtdaqDB.DatabaseURI},
		{"artdaq_db.fcl_conf_dir", c.ArtdaqDB.FclConfDir},
		{"ucon_db.server_url", c.UconDB.ServerURL},
		{"ucon_db.folder_name", c.UconDB.FolderName},
		{"ucon_db.object_name", c.UconDB.ObjectName},
	}
	for _, r := range required {
		if r.val == "" {
			return apperr.Configf("missing required key %q", r.key)
		}
	}
	if c.Reporting.Email.Enabled {
		e := c.Reporting.Email
		if e.RecipientEmail == "" || e.SenderEmail == "" || e.SMTPHost == "" {
			return apperr.Configf("email reporting requires recipient_email, sender_email and smtp_host")
		}
	}
	if c.Reporting.Slack.Enabled {
		s := c.Reporting.Slack
		if s.BotToken == "" || s.Channel == "" {
			return apperr.Configf("slack reporting requires bot_token and channel")
		}
	}
	if c.Carbon.Enabled && (c.Carbon.Host == "" || c.Carbon.MetricPrefix == "") {
		return apperr.Configf("carbon requires host and metric_prefix when enabled")
	}
	return nil
}

// String renders a redacted one-line summary for startup logging.
func (c *Config) String() string {
	return fmt.Sprintf("work_dir=%s batch_size=%d workers=%d retries=%d",
		c.App.WorkDir, c.App.BatchSize, c.App.ParallelWorkers, c.App.RunProcessRetries)
}
