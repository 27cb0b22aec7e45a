// Copyright 2025 The arcstore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the YAML configuration file and maps it onto the
// component configs. Secrets can be supplied through the environment so
// the file itself stays free of credentials.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fairagro/arcstore/internal/arcstore"
	"github.com/fairagro/arcstore/internal/docstore"
	"github.com/fairagro/arcstore/internal/document"
	"github.com/fairagro/arcstore/internal/engine"
	"github.com/fairagro/arcstore/internal/errors"
)

// Git storage modes.
const (
	ModeGitLab     = "gitlab"
	ModeStatic     = "static"
	ModeFilesystem = "filesystem"
)

// Environment variables overriding file-borne secrets.
const (
	EnvCouchDBPassword = "ARCSTORE_COUCHDB_PASSWORD"
	EnvGitLabToken     = "ARCSTORE_GITLAB_TOKEN"
	EnvStaticToken     = "ARCSTORE_STATIC_TOKEN"
)

// Duration decodes YAML scalars like "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar like \"30s\"")
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete file shape.
type Config struct {
	CouchDB   CouchDB  `yaml:"couchdb"`
	Git       Git      `yaml:"git"`
	Engine    Engine   `yaml:"engine"`
	KnownRDIs []string `yaml:"known_rdis"`
}

// CouchDB configures the document store connection.
type CouchDB struct {
	URL             string `yaml:"url"`
	Database        string `yaml:"database"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	MaxEventLogSize int    `yaml:"max_event_log_size"`
}

// Git selects and configures the Git storage backend. Exactly one mode
// is active; the matching subsection must be filled in.
type Git struct {
	Mode              string     `yaml:"mode"`
	Group             string     `yaml:"group"`
	Branch            string     `yaml:"branch"`
	AuthorName        string     `yaml:"author_name"`
	AuthorEmail       string     `yaml:"author_email"`
	HTTPLowSpeedLimit int        `yaml:"http_low_speed_limit"`
	HTTPLowSpeedTime  int        `yaml:"http_low_speed_time"`
	GitLab            GitLab     `yaml:"gitlab"`
	Static            Static     `yaml:"static"`
	Filesystem        Filesystem `yaml:"filesystem"`
}

// GitLab is the configuration of the gitlab mode.
type GitLab struct {
	BaseURL         string `yaml:"base_url"`
	Token           string `yaml:"token"`
	CommitChunkSize int    `yaml:"commit_chunk_size"`

	// UseAPIBackend pushes through the REST API instead of a CLI
	// clone+push cycle.
	UseAPIBackend bool `yaml:"use_api_backend"`
}

// Static is the configuration of the static mode: a plain Git server
// whose repositories are managed out of band.
type Static struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Filesystem is the configuration of the filesystem mode: local bare
// repositories, for development and tests.
type Filesystem struct {
	Root string `yaml:"root"`
}

// Engine tunes the reconciliation workers and the harvest sweep.
type Engine struct {
	Workers         int      `yaml:"workers"`
	QueueSize       int      `yaml:"queue_size"`
	RetryAttempts   int      `yaml:"retry_attempts"`
	RetryDelay      Duration `yaml:"retry_delay"`
	RetryMaxDelay   Duration `yaml:"retry_max_delay"`
	GracePeriodDays int      `yaml:"grace_period_days"`
	AutoMarkDeleted bool     `yaml:"auto_mark_deleted"`
}

// Default returns the configuration with every optional field filled.
func Default() *Config {
	return &Config{
		CouchDB: CouchDB{
			URL:             "http://localhost:5984",
			Database:        "arc_documents",
			MaxEventLogSize: 50,
		},
		Git: Git{
			Group:       "arcs",
			Branch:      "main",
			AuthorName:  "ARC Store",
			AuthorEmail: "arcstore@fairagro.net",
			GitLab: GitLab{
				CommitChunkSize: 100,
				UseAPIBackend:   true,
			},
		},
		Engine: Engine{
			Workers:         5,
			QueueSize:       128,
			RetryAttempts:   4,
			RetryDelay:      Duration(2 * time.Second),
			RetryMaxDelay:   Duration(30 * time.Second),
			GracePeriodDays: 3,
			AutoMarkDeleted: true,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies the
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	const op errors.Op = "config.Load"

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.E(op, errors.Invalid, fmt.Errorf("parsing %s: %w", path, err))
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, errors.E(op, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvCouchDBPassword); v != "" {
		c.CouchDB.Password = v
	}
	if v := os.Getenv(EnvGitLabToken); v != "" {
		c.Git.GitLab.Token = v
	}
	if v := os.Getenv(EnvStaticToken); v != "" {
		c.Git.Static.Token = v
	}
}

// Validate reports the first problem it finds.
func (c *Config) Validate() error {
	const op errors.Op = "config.Validate"

	if c.CouchDB.URL == "" {
		return errors.E(op, errors.Invalid, fmt.Errorf("couchdb.url is required"))
	}
	switch c.Git.Mode {
	case ModeGitLab:
		if c.Git.GitLab.BaseURL == "" {
			return errors.E(op, errors.Invalid, fmt.Errorf("git.gitlab.base_url is required in gitlab mode"))
		}
	case ModeStatic:
		if c.Git.Static.URL == "" {
			return errors.E(op, errors.Invalid, fmt.Errorf("git.static.url is required in static mode"))
		}
	case ModeFilesystem:
		if c.Git.Filesystem.Root == "" {
			return errors.E(op, errors.Invalid, fmt.Errorf("git.filesystem.root is required in filesystem mode"))
		}
	case "":
		return errors.E(op, errors.Invalid, fmt.Errorf("git.mode is required (gitlab, static or filesystem)"))
	default:
		return errors.E(op, errors.Invalid, fmt.Errorf("unknown git.mode %q", c.Git.Mode))
	}
	if c.Engine.Workers < 1 {
		return errors.E(op, errors.Invalid, fmt.Errorf("engine.workers must be positive"))
	}
	if c.Engine.RetryAttempts < 1 {
		return errors.E(op, errors.Invalid, fmt.Errorf("engine.retry_attempts must be positive"))
	}
	if c.Engine.GracePeriodDays < 0 {
		return errors.E(op, errors.Invalid, fmt.Errorf("engine.grace_period_days must not be negative"))
	}
	return nil
}

// DocstoreConfig maps the file shape onto the document store config.
func (c *Config) DocstoreConfig() docstore.Config {
	return docstore.Config{
		URL:             c.CouchDB.URL,
		Database:        c.CouchDB.Database,
		Username:        c.CouchDB.Username,
		Password:        c.CouchDB.Password,
		MaxEventLogSize: c.CouchDB.MaxEventLogSize,
		Harvest: document.HarvestConfig{
			GracePeriodDays: c.Engine.GracePeriodDays,
			AutoMarkDeleted: c.Engine.AutoMarkDeleted,
		},
	}
}

// ArcstoreOptions maps the active git mode onto the backend options.
func (c *Config) ArcstoreOptions() arcstore.Options {
	opts := arcstore.Options{
		Backend:           arcstore.BackendGit,
		Group:             c.Git.Group,
		Branch:            c.Git.Branch,
		UserName:          c.Git.AuthorName,
		UserEmail:         c.Git.AuthorEmail,
		HTTPLowSpeedLimit: c.Git.HTTPLowSpeedLimit,
		HTTPLowSpeedTime:  c.Git.HTTPLowSpeedTime,
	}
	switch c.Git.Mode {
	case ModeGitLab:
		opts.URL = c.Git.GitLab.BaseURL
		opts.Token = c.Git.GitLab.Token
		opts.CommitChunkSize = c.Git.GitLab.CommitChunkSize
		if c.Git.GitLab.UseAPIBackend {
			opts.Backend = arcstore.BackendGitLab
		}
	case ModeStatic:
		opts.URL = c.Git.Static.URL
		opts.Token = c.Git.Static.Token
	case ModeFilesystem:
		opts.URL = "file://" + c.Git.Filesystem.Root
	}
	return opts
}

// EngineConfig maps the file shape onto the engine config.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Workers:         c.Engine.Workers,
		QueueSize:       c.Engine.QueueSize,
		RetryAttempts:   c.Engine.RetryAttempts,
		RetryDelay:      c.Engine.RetryDelay.Std(),
		RetryMaxDelay:   c.Engine.RetryMaxDelay.Std(),
		GracePeriodDays: c.Engine.GracePeriodDays,
		AutoMarkDeleted: c.Engine.AutoMarkDeleted,
		KnownRDIs:       c.KnownRDIs,
	}
}
