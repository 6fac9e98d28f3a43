/*
Copyright 2017 The Kubernetes Authors.

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

// Package config knows how to read and parse the bot's config.yaml and
// keep it fresh as the file changes on disk.
package config

import (
	"fmt"
	"io/ioutil"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"
)

// Repo identifies a forge repository.
type Repo struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// LabelNames holds the configurable label names that drive derived PR
// fields (spec.md §4.5).
type LabelNames struct {
	Squash       string   `json:"squash,omitempty"`
	HighPriority string   `json:"high_priority,omitempty"`
	LowPriority  string   `json:"low_priority,omitempty"`
	DoNotMerge   []string `json:"do_not_merge,omitempty"`
}

// All returns every configured label name this bot manages, used by
// Synchronize to ensure they exist on the forge.
func (l LabelNames) All() []string {
	names := []string{l.Squash, l.HighPriority, l.LowPriority}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

func (l LabelNames) withDefaults() LabelNames {
	if l.Squash == "" {
		l.Squash = "bors-squash"
	}
	if l.HighPriority == "" {
		l.HighPriority = "bors-high-priority"
	}
	if l.LowPriority == "" {
		l.LowPriority = "bors-low-priority"
	}
	return l
}

// ChecksConfig maps a required-check id to its forge-visible context name.
type ChecksConfig map[string]struct {
	Name string `json:"name"`
}

// Names returns the set of required context names.
func (c ChecksConfig) Names() []string {
	names := make([]string, 0, len(c))
	for _, v := range c {
		names = append(names, v.Name)
	}
	return names
}

// RepoConfig is the per-repository configuration consumed by the Event
// Processor (spec.md §6.1). Parsing this out of the global config file
// is this package's job; everything downstream treats it as a value.
type RepoConfig struct {
	Repo Repo `json:"repo"`

	RequireReview  bool `json:"require_review"`
	MaintainerMode bool `json:"maintainer_mode"`

	Checks ChecksConfig `json:"checks,omitempty"`
	Status ChecksConfig `json:"status,omitempty"`

	TimeoutSecondsRaw uint64        `json:"timeout_seconds,omitempty"`
	Timeout           time.Duration `json:"-"`

	Labels LabelNames `json:"labels,omitempty"`

	AutoBranch string `json:"auto_branch,omitempty"`

	// CommandPrefix is an alternative to "@<bot-name>" for invoking
	// commands (e.g. "bors: r+").
	CommandPrefix string `json:"command_prefix,omitempty"`
}

func (rc RepoConfig) Owner() string { return rc.Repo.Owner }
func (rc RepoConfig) Name() string  { return rc.Repo.Name }

// GitConfig holds the git identity used to author/push integration
// commits (spec.md §6.1, §6.3).
type GitConfig struct {
	SSHKeyFile string `json:"ssh_key_file,omitempty"`
	User       string `json:"user"`
	Email      string `json:"email"`
}

// GithubConfig holds global forge authentication (spec.md §6.1).
type GithubConfig struct {
	APIToken     string `json:"-"`
	Endpoint     string `json:"endpoint,omitempty"`
	WebhookHMAC  []byte `json:"-"`
	BotName      string `json:"bot_name,omitempty"`
}

// Config is a read-only snapshot of the whole bot configuration.
type Config struct {
	Repos []RepoConfig `json:"repos,omitempty"`
	Git   GitConfig    `json:"git,omitempty"`
}

// Load reads and parses the config at path.
func Load(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %v", path, err)
	}
	nc := &Config{}
	if err := yaml.Unmarshal(b, nc); err != nil {
		return nil, fmt.Errorf("error unmarshaling %s: %v", path, err)
	}
	for i := range nc.Repos {
		nc.Repos[i].Labels = nc.Repos[i].Labels.withDefaults()
		if nc.Repos[i].TimeoutSecondsRaw == 0 {
			nc.Repos[i].Timeout = 2 * time.Hour
		} else {
			nc.Repos[i].Timeout = time.Duration(nc.Repos[i].TimeoutSecondsRaw) * time.Second
		}
		if nc.Repos[i].AutoBranch == "" {
			nc.Repos[i].AutoBranch = "auto"
		}
	}
	return nc, nil
}

// Agent watches a config file on disk and hands out the latest parsed
// Config. Mirrors the teacher's config.Agent lifecycle: Start loads the
// file once synchronously (fatal on error) then keeps it fresh via
// fsnotify in the background.
type Agent struct {
	mu  sync.RWMutex
	c   *Config
	log *logrus.Entry
}

// Start loads path once and begins watching it for changes.
func (ca *Agent) Start(path string) error {
	ca.log = logrus.WithField("agent", "config")
	c, err := Load(path)
	if err != nil {
		return err
	}
	ca.mu.Lock()
	ca.c = c
	ca.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting fsnotify watcher: %v", err)
	}
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watching %s: %v", path, err)
	}
	go ca.watch(watcher, path)
	return nil
}

func (ca *Agent) watch(watcher *fsnotify.Watcher, path string) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			c, err := Load(path)
			if err != nil {
				ca.log.WithError(err).Error("Error reloading config, keeping last good config.")
				continue
			}
			ca.mu.Lock()
			ca.c = c
			ca.mu.Unlock()
			ca.log.Info("Reloaded config.")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			ca.log.WithError(err).Error("fsnotify watcher error.")
		}
	}
}

// Config returns the most recently loaded configuration.
func (ca *Agent) Config() *Config {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.c
}
