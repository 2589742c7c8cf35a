/*
Copyright 2026 Damir Manapov

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config holds the tool configuration: where terraform lives, how to
// reach VMs, where results land. Values are layered defaults, then an
// optional YAML file, then OPTINA_* environment overrides; flags override on
// top of the loaded result.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"
)

const (
	homeEnv              = "HOME"
	xdgConfigHomeEnv     = "XDG_CONFIG_HOME"
	xdgConfigHomeDefault = ".config"
	configFilename       = "optina/config.yaml"
)

// Config is the persistent tool configuration.
type Config struct {
	// TerraformDir is the base directory holding one terraform module per
	// cloud.
	TerraformDir string `json:"terraformDir,omitempty"`
	// TerraformPath is the terraform executable.
	TerraformPath string `json:"terraformPath,omitempty"`
	// ResultsDir is where result caches and markdown exports are written.
	ResultsDir string `json:"resultsDir,omitempty"`
	// SSHUser is the login user on deployment VMs.
	SSHUser string `json:"sshUser,omitempty"`
	// SSHKeyFile is the private key used for all VM access.
	SSHKeyFile string `json:"sshKeyFile,omitempty"`
	// Login identifies who ran a trial in persisted records.
	Login string `json:"login,omitempty"`
}

// TerraformDirFor returns the terraform working directory for a cloud.
func (c *Config) TerraformDirFor(cloud string) string {
	return filepath.Join(c.TerraformDir, cloud)
}

// Load builds the configuration. filename may be empty, in which case the
// XDG location is tried and a missing file is not an error.
func Load(filename string) (*Config, error) {
	cfg := &Config{}

	explicit := filename != ""
	if !explicit {
		filename = defaultFilename()
	}
	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", filename, err)
			}
		case os.IsNotExist(err) && !explicit:
			// Optional file, defaults apply.
		default:
			return nil, fmt.Errorf("reading config %s: %w", filename, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func defaultFilename() string {
	base := os.Getenv(xdgConfigHomeEnv)
	if base == "" {
		home := os.Getenv(homeEnv)
		if home == "" {
			return ""
		}
		base = filepath.Join(home, xdgConfigHomeDefault)
	}
	return filepath.Join(base, configFilename)
}

func applyEnv(cfg *Config) {
	overrideString(&cfg.TerraformDir, os.Getenv("OPTINA_TERRAFORM_DIR"))
	overrideString(&cfg.TerraformPath, os.Getenv("OPTINA_TERRAFORM_PATH"))
	overrideString(&cfg.ResultsDir, os.Getenv("OPTINA_RESULTS_DIR"))
	overrideString(&cfg.SSHUser, os.Getenv("OPTINA_SSH_USER"))
	overrideString(&cfg.SSHKeyFile, os.Getenv("OPTINA_SSH_KEY"))
	overrideString(&cfg.Login, os.Getenv("OPTINA_LOGIN"))
}

func applyDefaults(cfg *Config) {
	defaultString(&cfg.TerraformDir, "terraform")
	defaultString(&cfg.TerraformPath, "terraform")
	defaultString(&cfg.ResultsDir, "results")
	defaultString(&cfg.SSHUser, "root")
	defaultString(&cfg.SSHKeyFile, expandHome("~/.ssh/id_rsa"))
	defaultString(&cfg.Login, os.Getenv("USER"))

	cfg.SSHKeyFile = expandHome(cfg.SSHKeyFile)
}

func overrideString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func defaultString(dst *string, value string) {
	if *dst == "" {
		*dst = value
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home := os.Getenv(homeEnv)
	if home == "" {
		return path
	}
	return filepath.Join(home, path[2:])
}
