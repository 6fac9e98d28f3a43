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

// Package git implements the working-copy contract (spec.md §6.3): a
// single shared cache directory of bare-ish clones, one checked-out
// Repo handed to the actor per candidate build, with the merge logic
// the Merge Queue drives when it prepares a test commit. Rebase is not
// supported.
package git

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/clarketm/borsbot/github"
)

// Client manages a directory of cached clones, keyed by "org/repo", and
// hands out a checked-out Repo per caller. It owns no process-wide
// lock beyond the per-repo cache lock below: spec.md §5 requires the
// working copy be owned exclusively by the actor, so concurrent use of
// one Client across repos is safe but concurrent use of one Repo is not.
type Client struct {
	logger *logrus.Entry

	cacheDir string
	host     string

	// remoteBase, when set, makes remoteURL resolve to a local path
	// under this directory instead of an https:// host. Used by the
	// localgit test fixture so tests never touch the network.
	remoteBase string

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	user  string
	email string
}

// NewClient builds a Client caching clones under a fresh temp dir.
func NewClient() (*Client, error) {
	cacheDir, err := ioutil.TempDir("", "git-cache")
	if err != nil {
		return nil, errors.Wrap(err, "creating git cache dir")
	}
	return &Client{
		logger:   logrus.WithField("client", "git"),
		cacheDir: cacheDir,
		host:     "github.com",
		locks:    map[string]*sync.Mutex{},
	}, nil
}

// Configure sets the user name and email used for future clones
// (spec.md §6.3 configure).
func (c *Client) Configure(user, email string) {
	c.user = user
	c.email = email
}

func (c *Client) lockFor(repo string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.locks[repo]; ok {
		return l
	}
	l := &sync.Mutex{}
	c.locks[repo] = l
	return l
}

// Clone returns a Repo for org/repo, checked out at the default branch.
// A cache miss does a full clone; a cache hit fetches instead, the way
// the teacher's git.Client.Clone trades disk for fewer full clones.
func (c *Client) Clone(orgRepo string) (*Repo, error) {
	l := c.lockFor(orgRepo)
	l.Lock()
	defer l.Unlock()

	parts := strings.SplitN(orgRepo, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid repo name %q, expected org/repo", orgRepo)
	}
	org, repo := parts[0], parts[1]
	cache := filepath.Join(c.cacheDir, org, repo+".git")

	if _, err := os.Stat(cache); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(cache), 0755); err != nil {
			return nil, errors.Wrap(err, "creating cache parent dir")
		}
		remote := c.remoteURL(org, repo)
		if b, err := exec.Command("git", "clone", "--mirror", remote, cache).CombinedOutput(); err != nil {
			return nil, errors.Wrapf(err, "initial mirror clone: %s", string(b))
		}
	} else {
		if b, err := gitIn(cache, "fetch"); err != nil {
			return nil, errors.Wrapf(err, "fetching cache: %s", b)
		}
	}

	dir, err := ioutil.TempDir("", "git-repo")
	if err != nil {
		return nil, errors.Wrap(err, "creating working dir")
	}
	if b, err := exec.Command("git", "clone", cache, dir).CombinedOutput(); err != nil {
		os.RemoveAll(dir)
		return nil, errors.Wrapf(err, "cloning from cache: %s", string(b))
	}

	r := &Repo{
		dir:    dir,
		logger: c.logger.WithFields(logrus.Fields{"org": org, "repo": repo}),
		client: c,
		org:    org,
		repo:   repo,
	}
	if c.user != "" {
		if err := r.Config("user.name", c.user); err != nil {
			return nil, err
		}
	}
	if c.email != "" {
		if err := r.Config("user.email", c.email); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (c *Client) remoteURL(org, repo string) string {
	if c.remoteBase != "" {
		return filepath.Join(c.remoteBase, org, repo)
	}
	return fmt.Sprintf("https://%s/%s/%s.git", c.host, org, repo)
}

// SetRemoteBase points future clones at local directories under base
// instead of a real forge host. Exported for git/localgit's fixture.
func (c *Client) SetRemoteBase(base string) {
	c.remoteBase = base
}

// Clean removes the shared clone cache. Callers are expected to Clean
// every Repo they checked out separately.
func (c *Client) Clean() error {
	return os.RemoveAll(c.cacheDir)
}

// Repo is a single checked-out working copy.
type Repo struct {
	dir    string
	logger *logrus.Entry
	client *Client
	org    string
	repo   string
}

// Directory returns the working copy's path on disk.
func (r *Repo) Directory() string { return r.dir }

func (r *Repo) git(args ...string) (string, error) {
	out, err := gitIn(r.dir, args...)
	if err != nil {
		return "", errors.Wrapf(err, "git %s", strings.Join(args, " "))
	}
	return out, nil
}

func gitIn(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", errors.New(msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Config sets a git config value for this working copy only (spec.md
// §6.3 configure).
func (r *Repo) Config(key, value string) error {
	_, err := r.git("config", key, value)
	return err
}

// Fetch fetches ref from origin.
func (r *Repo) Fetch(ref string) error {
	_, err := r.git("fetch", "origin", ref)
	return err
}

// Checkout checks out sha, detaching HEAD.
func (r *Repo) Checkout(sha string) error {
	if err := r.Fetch(sha); err != nil {
		r.logger.WithError(err).Debug("fetch before checkout failed, trying local ref")
	}
	_, err := r.git("checkout", sha)
	return err
}

// CheckoutPullRequest fetches the PR's head ref from the forge remote
// and checks it out.
func (r *Repo) CheckoutPullRequest(number int) error {
	ref := fmt.Sprintf("pull/%d/head", number)
	if _, err := r.git("fetch", r.client.remoteURL(r.org, r.repo), ref); err != nil {
		return errors.Wrapf(err, "fetching %s", ref)
	}
	if _, err := r.git("checkout", "FETCH_HEAD"); err != nil {
		return errors.Wrapf(err, "checking out %s", ref)
	}
	return nil
}

// RevParse resolves rev to a full SHA.
func (r *Repo) RevParse(rev string) (string, error) {
	return r.git("rev-parse", rev)
}

// MergeAndCheckout checks out baseSHA and merges every commit in
// headSHAs onto it using strategy, producing the speculative merge
// commit the Merge Queue tests (spec.md §4.3 Step 1 "prepare test
// commit"). Only merge and squash strategies are supported; rebase is
// rejected since a rebase has no single merge commit to test.
func (r *Repo) MergeAndCheckout(baseSHA string, strategy github.PullRequestMergeType, headSHAs ...string) error {
	if baseSHA == "" {
		return errors.New("baseSHA must be set")
	}
	if strategy != github.MergeMerge && strategy != github.MergeSquash {
		return fmt.Errorf("merge strategy %q is not supported", string(strategy))
	}
	if _, err := r.git("checkout", baseSHA); err != nil {
		return errors.Wrapf(err, "checking out base %s", baseSHA)
	}
	for _, head := range headSHAs {
		args := []string{"merge", "--no-edit"}
		if strategy == github.MergeSquash {
			args = append(args, "--squash")
		}
		args = append(args, head)
		if _, err := r.git(args...); err != nil {
			_, _ = r.git("merge", "--abort")
			return errors.Wrapf(err, "merging %s", head)
		}
		if strategy == github.MergeSquash {
			if _, err := r.git("commit", "-m", "Merge "+head); err != nil {
				return errors.Wrapf(err, "committing squash merge of %s", head)
			}
		}
	}
	return nil
}

// ForcePush force-pushes the current HEAD to remoteRef on the forge
// remote (spec.md §6.3 force_push), used to publish the prepared merge
// commit to the repo's auto_branch before kicking off CI.
func (r *Repo) ForcePush(remoteRef string) error {
	_, err := r.git("push", "--force", r.client.remoteURL(r.org, r.repo), "HEAD:"+remoteRef)
	return err
}

// Clean removes the working copy from disk.
func (r *Repo) Clean() error {
	return os.RemoveAll(r.dir)
}
