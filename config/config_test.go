package config

import (
	"io/ioutil"
	"os"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	f, err := ioutil.TempFile("", "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp file: %v", err)
	}
	if _, err := f.WriteString(body); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, `
repos:
- repo:
    owner: example
    name: widgets
  require_review: true
`)
	defer os.Remove(path)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.Repos) != 1 {
		t.Fatalf("expected 1 repo, got %d", len(c.Repos))
	}
	rc := c.Repos[0]
	if rc.Labels.Squash != "bors-squash" {
		t.Errorf("Squash label = %q, want default", rc.Labels.Squash)
	}
	if rc.Labels.HighPriority != "bors-high-priority" {
		t.Errorf("HighPriority label = %q, want default", rc.Labels.HighPriority)
	}
	if rc.Timeout != 2*time.Hour {
		t.Errorf("Timeout = %v, want 2h default", rc.Timeout)
	}
	if rc.AutoBranch != "auto" {
		t.Errorf("AutoBranch = %q, want \"auto\"", rc.AutoBranch)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeTempConfig(t, `
repos:
- repo:
    owner: example
    name: widgets
  timeout_seconds: 60
  labels:
    squash: "ready-to-squash"
  auto_branch: "staging.tmp"
`)
	defer os.Remove(path)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rc := c.Repos[0]
	if rc.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want 60s", rc.Timeout)
	}
	if rc.Labels.Squash != "ready-to-squash" {
		t.Errorf("Squash label = %q, want override", rc.Labels.Squash)
	}
	if rc.AutoBranch != "staging.tmp" {
		t.Errorf("AutoBranch = %q, want override", rc.AutoBranch)
	}
}

func TestAgentStartLoadsConfig(t *testing.T) {
	path := writeTempConfig(t, `
repos:
- repo:
    owner: example
    name: widgets
`)
	defer os.Remove(path)

	a := &Agent{}
	if err := a.Start(path); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := a.Config().Repos[0].Repo.Name; got != "widgets" {
		t.Fatalf("Config().Repos[0].Repo.Name = %q, want widgets", got)
	}
}
