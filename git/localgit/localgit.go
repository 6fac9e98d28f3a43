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

// Package localgit creates local git repositories as stand-ins for a
// real forge, so git.Client can be exercised without network access.
package localgit

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/clarketm/borsbot/git"
)

// LocalGit manages a directory of bare "remote" repos that play the
// role of the forge in git.Client tests.
type LocalGit struct {
	Dir string
}

// New creates a LocalGit fixture and a git.Client wired to it.
func New() (*LocalGit, *git.Client, error) {
	dir, err := ioutil.TempDir("", "localgit")
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating localgit dir")
	}
	lg := &LocalGit{Dir: dir}

	c, err := git.NewClient()
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}
	c.SetRemoteBase(dir)
	return lg, c, nil
}

func (lg *LocalGit) repoDir(org, repo string) string {
	return filepath.Join(lg.Dir, org, repo)
}

func run(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %v: %v: %s", args, err, stderr.String())
	}
	return nil
}

func output(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %v: %v: %s", args, err, stderr.String())
	}
	return stdout.String(), nil
}

// MakeFakeRepo creates org/repo with an initial commit on master.
func (lg *LocalGit) MakeFakeRepo(org, repo string) error {
	dir := lg.repoDir(org, repo)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := run(dir, "init", "-b", "master"); err != nil {
		// older git versions don't support -b; fall back and rename.
		if err := run(dir, "init"); err != nil {
			return err
		}
		_ = run(dir, "checkout", "-B", "master")
	}
	if err := run(dir, "config", "user.name", "localgit"); err != nil {
		return err
	}
	if err := run(dir, "config", "user.email", "localgit@localhost"); err != nil {
		return err
	}
	readme := filepath.Join(dir, "README")
	if err := ioutil.WriteFile(readme, []byte("readme\n"), 0644); err != nil {
		return err
	}
	if err := run(dir, "add", "README"); err != nil {
		return err
	}
	if err := run(dir, "commit", "-m", "initial commit"); err != nil {
		return err
	}
	return nil
}

// AddCommit writes files and commits them on the current branch.
func (lg *LocalGit) AddCommit(org, repo string, files map[string][]byte) error {
	dir := lg.repoDir(org, repo)
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := ioutil.WriteFile(path, content, 0644); err != nil {
			return err
		}
		if err := run(dir, "add", name); err != nil {
			return err
		}
	}
	return run(dir, "commit", "-m", "add commit", "--allow-empty")
}

// CheckoutNewBranch creates and checks out branch from the current HEAD.
func (lg *LocalGit) CheckoutNewBranch(org, repo, branch string) error {
	return run(lg.repoDir(org, repo), "checkout", "-b", branch)
}

// Checkout checks out an existing branch.
func (lg *LocalGit) Checkout(org, repo, branch string) error {
	return run(lg.repoDir(org, repo), "checkout", branch)
}

// RevParse resolves rev in org/repo to a SHA.
func (lg *LocalGit) RevParse(org, repo, rev string) (string, error) {
	out, err := output(lg.repoDir(org, repo), "rev-parse", rev)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Clean removes the fixture directory tree.
func (lg *LocalGit) Clean() error {
	return os.RemoveAll(lg.Dir)
}
