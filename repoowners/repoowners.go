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

// Package repoowners backs the Command Handler's authorization
// predicate (spec.md §4.4 "Authorization") with the repo's root
// OWNERS/OWNERS_ALIASES files, grounded on the teacher's
// repoowners.LoadRepoOwners caching idiom. Unlike the teacher's
// file-scoped approval workflow (which resolves owners per changed
// file, for code review), a merge queue's authorization predicate is
// repo-scoped — it asks only "can sender operate the queue at all" —
// so this trims the teacher's per-directory OWNERS tree walk down to
// the repo root.
package repoowners

import (
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"

	"github.com/clarketm/borsbot/git"
	"github.com/clarketm/borsbot/github"
)

const (
	ownersFileName  = "OWNERS"
	aliasesFileName = "OWNERS_ALIASES"
)

// Config is the root OWNERS file's shape.
type Config struct {
	Approvers []string `json:"approvers,omitempty"`
	Reviewers []string `json:"reviewers,omitempty"`
}

type aliasesFile struct {
	Aliases map[string][]string `json:"aliases,omitempty"`
}

// RepoOwners is the resolved, alias-expanded, collaborator-filtered
// owner set for one repo's master branch.
type RepoOwners struct {
	Approvers sets.String
	Reviewers sets.String
}

// IsApprover reports whether login is (directly or via OWNERS_ALIASES)
// a root approver.
func (o *RepoOwners) IsApprover(login string) bool {
	return o.Approvers.Has(github.NormLogin(login))
}

// IsReviewer reports whether login is an approver or reviewer.
func (o *RepoOwners) IsReviewer(login string) bool {
	return o.Reviewers.Has(github.NormLogin(login)) || o.IsApprover(login)
}

type cacheEntry struct {
	sha    string
	owners *RepoOwners
}

// Client loads and caches RepoOwners per repo, invalidating on SHA
// change the way the teacher's repoowners.Client does.
type Client struct {
	gitc *git.Client
	gh   *github.Client
	log  *logrus.Entry

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewClient builds a Client backed by gitc (for tree contents) and gh
// (for the default-branch SHA and collaborator list).
func NewClient(gitc *git.Client, gh *github.Client) *Client {
	return &Client{
		gitc:  gitc,
		gh:    gh,
		log:   logrus.WithField("client", "repoowners"),
		cache: map[string]cacheEntry{},
	}
}

// Load returns the current RepoOwners for owner/name, using a cached
// copy if heads/master hasn't moved since it was last resolved. The
// branch name is fixed: a repository without a master branch gets an
// error from the ref lookup.
func (c *Client) Load(ctx context.Context, owner, name string) (*RepoOwners, error) {
	fullName := fmt.Sprintf("%s/%s", owner, name)
	sha, err := c.gh.GetRef(ctx, owner, name, "heads/master")
	if err != nil {
		return nil, errors.Wrapf(err, "resolving default branch sha for %s", fullName)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.cache[fullName]; ok && entry.sha == sha {
		return entry.owners, nil
	}

	repo, err := c.gitc.Clone(fullName)
	if err != nil {
		return nil, errors.Wrapf(err, "cloning %s to load OWNERS", fullName)
	}
	defer repo.Clean()

	aliases := loadAliases(repo.Directory(), c.log)
	cfg := loadOwners(repo.Directory(), c.log)

	owners := &RepoOwners{
		Approvers: expandAliases(normLogins(cfg.Approvers), aliases),
		Reviewers: expandAliases(normLogins(cfg.Reviewers), aliases),
	}

	if collabs, err := c.gh.ListCollaborators(ctx, owner, name); err != nil {
		c.log.WithError(err).Warn("failed to list collaborators, skipping OWNERS filtering")
	} else {
		owners = filterCollaborators(owners, collabs)
	}

	c.cache[fullName] = cacheEntry{sha: sha, owners: owners}
	return owners, nil
}

func loadAliases(baseDir string, log *logrus.Entry) map[string]sets.String {
	b, err := ioutil.ReadFile(filepath.Join(baseDir, aliasesFileName))
	if err != nil {
		return nil
	}
	var a aliasesFile
	if err := yaml.Unmarshal(b, &a); err != nil {
		log.WithError(err).Warnf("failed to unmarshal %s", aliasesFileName)
		return nil
	}
	out := make(map[string]sets.String, len(a.Aliases))
	for alias, members := range a.Aliases {
		out[github.NormLogin(alias)] = normLogins(members)
	}
	return out
}

func loadOwners(baseDir string, log *logrus.Entry) Config {
	b, err := ioutil.ReadFile(filepath.Join(baseDir, ownersFileName))
	if err != nil {
		log.WithError(err).Debugf("no root %s file", ownersFileName)
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		log.WithError(err).Errorf("failed to unmarshal %s", ownersFileName)
		return Config{}
	}
	return cfg
}

func normLogins(logins []string) sets.String {
	out := sets.NewString()
	for _, l := range logins {
		out.Insert(github.NormLogin(l))
	}
	return out
}

func expandAliases(logins sets.String, aliases map[string]sets.String) sets.String {
	out := sets.NewString()
	for _, login := range logins.List() {
		if expanded, ok := aliases[login]; ok {
			out = out.Union(expanded)
			continue
		}
		out.Insert(login)
	}
	return out
}

func filterCollaborators(owners *RepoOwners, collaborators []github.User) *RepoOwners {
	collabs := sets.NewString()
	for _, u := range collaborators {
		collabs.Insert(github.NormLogin(u.Login))
	}
	return &RepoOwners{
		Approvers: owners.Approvers.Intersection(collabs),
		Reviewers: owners.Reviewers.Intersection(collabs),
	}
}
