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

package git_test

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/clarketm/borsbot/git/localgit"
	"github.com/clarketm/borsbot/github"
)

func TestClone(t *testing.T) {
	lg, c, err := localgit.New()
	if err != nil {
		t.Fatalf("Making local git repo: %v", err)
	}
	defer func() {
		if err := lg.Clean(); err != nil {
			t.Errorf("Error cleaning LocalGit: %v", err)
		}
		if err := c.Clean(); err != nil {
			t.Errorf("Error cleaning Client: %v", err)
		}
	}()
	if err := lg.MakeFakeRepo("bors-org", "queued-repo"); err != nil {
		t.Fatalf("Making fake repo: %v", err)
	}
	if err := lg.MakeFakeRepo("bors-org", "other-repo"); err != nil {
		t.Fatalf("Making fake repo: %v", err)
	}

	// Fresh clone, will be a cache miss.
	r1, err := c.Clone("bors-org/queued-repo")
	if err != nil {
		t.Fatalf("Cloning the first time: %v", err)
	}
	defer func() {
		if err := r1.Clean(); err != nil {
			t.Errorf("Cleaning repo: %v", err)
		}
	}()

	// Clone from the same org.
	r2, err := c.Clone("bors-org/other-repo")
	if err != nil {
		t.Fatalf("Cloning another repo in the same org: %v", err)
	}
	defer func() {
		if err := r2.Clean(); err != nil {
			t.Errorf("Cleaning repo: %v", err)
		}
	}()

	// Make sure it fetches when we clone again, the way the Merge
	// Queue re-clones a repo it already has cached for every candidate.
	if err := lg.AddCommit("bors-org", "queued-repo", map[string][]byte{"second": {}}); err != nil {
		t.Fatalf("Adding second commit: %v", err)
	}
	r3, err := c.Clone("bors-org/queued-repo")
	if err != nil {
		t.Fatalf("Cloning a second time: %v", err)
	}
	defer func() {
		if err := r3.Clean(); err != nil {
			t.Errorf("Cleaning repo: %v", err)
		}
	}()
	log := exec.Command("git", "log", "--oneline")
	log.Dir = r3.Directory()
	if b, err := log.CombinedOutput(); err != nil {
		t.Fatalf("git log: %v, %s", err, string(b))
	} else {
		if len(bytes.Split(bytes.TrimSpace(b), []byte("\n"))) != 2 {
			t.Error("Wrong number of commits in git log output. Expected 2")
		}
	}
}

func TestCheckoutPullRequest(t *testing.T) {
	lg, c, err := localgit.New()
	if err != nil {
		t.Fatalf("Making local git repo: %v", err)
	}
	defer func() {
		if err := lg.Clean(); err != nil {
			t.Errorf("Error cleaning LocalGit: %v", err)
		}
		if err := c.Clean(); err != nil {
			t.Errorf("Error cleaning Client: %v", err)
		}
	}()
	if err := lg.MakeFakeRepo("bors-org", "queued-repo"); err != nil {
		t.Fatalf("Making fake repo: %v", err)
	}
	r, err := c.Clone("bors-org/queued-repo")
	if err != nil {
		t.Fatalf("Cloning: %v", err)
	}
	defer func() {
		if err := r.Clean(); err != nil {
			t.Errorf("Cleaning repo: %v", err)
		}
	}()

	// candidateBuilder.Prepare fetches pull/<number>/head before
	// checking it out; simulate the PR branch the same way.
	if err := lg.CheckoutNewBranch("bors-org", "queued-repo", "pull/42/head"); err != nil {
		t.Fatalf("Checkout new branch: %v", err)
	}
	if err := lg.AddCommit("bors-org", "queued-repo", map[string][]byte{"candidate-change": {}}); err != nil {
		t.Fatalf("Add commit: %v", err)
	}

	if err := r.CheckoutPullRequest(42); err != nil {
		t.Fatalf("Checking out PR: %v", err)
	}
	if _, err := os.Stat(filepath.Join(r.Directory(), "candidate-change")); err != nil {
		t.Errorf("Didn't find file in PR after checking out: %v", err)
	}
}

func TestMergeAndCheckout(t *testing.T) {
	testCases := []struct {
		name          string
		setBaseSHA    bool
		prBranches    []string
		mergeStrategy github.PullRequestMergeType
		err           string
	}{
		{
			name: "Unset baseSHA, error",
			err:  "baseSHA must be set",
		},
		{
			name:       "No mergeStrategy, error",
			setBaseSHA: true,
			prBranches: []string{"candidate-branch"},
			err:        "merge strategy \"\" is not supported",
		},
		{
			name:          "Merge strategy rebase, error (rebase has no single commit to speculate on)",
			setBaseSHA:    true,
			prBranches:    []string{"candidate-branch"},
			mergeStrategy: github.MergeRebase,
			err:           "merge strategy \"rebase\" is not supported",
		},
		{
			name:       "No pull request head, error",
			setBaseSHA: true,
			err:        "merge strategy \"\" is not supported",
		},
		{
			name:          "Merge succeeds with one head and merge strategy",
			setBaseSHA:    true,
			prBranches:    []string{"candidate-branch"},
			mergeStrategy: github.MergeMerge,
		},
		{
			name:          "Merge succeeds with multiple heads and merge strategy (batch candidate)",
			setBaseSHA:    true,
			prBranches:    []string{"candidate-branch", "other-candidate-branch"},
			mergeStrategy: github.MergeMerge,
		},
		{
			name:          "Merge succeeds with one head and squash strategy",
			setBaseSHA:    true,
			prBranches:    []string{"candidate-branch"},
			mergeStrategy: github.MergeSquash,
		},
		{
			name:          "Merge succeeds with multiple heads and squash strategy",
			setBaseSHA:    true,
			prBranches:    []string{"candidate-branch", "other-candidate-branch"},
			mergeStrategy: github.MergeSquash,
		},
	}

	const (
		org  = "bors-org"
		repo = "queued-repo"
	)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc := tc
			t.Parallel()

			lg, c, err := localgit.New()
			if err != nil {
				t.Fatalf("Making local git repo: %v", err)
			}
			defer func() {
				if err := lg.Clean(); err != nil {
					t.Errorf("Error cleaning LocalGit: %v", err)
				}
				if err := c.Clean(); err != nil {
					t.Errorf("Error cleaning Client: %v", err)
				}
			}()
			if err := lg.MakeFakeRepo(org, repo); err != nil {
				t.Fatalf("Making fake repo: %v", err)
			}

			var commitsToMerge []string
			for _, prBranch := range tc.prBranches {
				if err := lg.CheckoutNewBranch(org, repo, prBranch); err != nil {
					t.Fatalf("failed to checkout new branch %q: %v", prBranch, err)
				}
				if err := lg.AddCommit(org, repo, map[string][]byte{prBranch: []byte("val")}); err != nil {
					t.Fatalf("failed to add commit: %v", err)
				}
				headRef, err := lg.RevParse(org, repo, "HEAD")
				if err != nil {
					t.Fatalf("failed to run git rev-parse: %v", err)
				}
				commitsToMerge = append(commitsToMerge, headRef)
			}
			if len(tc.prBranches) > 0 {
				if err := lg.Checkout(org, repo, "master"); err != nil {
					t.Fatalf("failed to run git checkout master: %v", err)
				}
			}

			var baseSHA string
			if tc.setBaseSHA {
				baseSHA, err = lg.RevParse(org, repo, "master")
				if err != nil {
					t.Fatalf("failed to run git rev-parse master: %v", err)
				}
			}

			clonedRepo, err := c.Clone(org + "/" + repo)
			if err != nil {
				t.Fatalf("Cloning failed: %v", err)
			}
			if err := clonedRepo.Config("user.name", "borsbot"); err != nil {
				t.Fatalf("failed to set name for test repo: %v", err)
			}
			if err := clonedRepo.Config("user.email", "borsbot@localhost"); err != nil {
				t.Fatalf("failed to set email for test repo: %v", err)
			}
			if err := clonedRepo.Config("commit.gpgsign", "false"); err != nil {
				t.Fatalf("failed to disable gpg signing for test repo: %v", err)
			}

			err = clonedRepo.MergeAndCheckout(baseSHA, tc.mergeStrategy, commitsToMerge...)
			if err == nil && tc.err == "" {
				return
			}
			if err == nil || err.Error() != tc.err {
				t.Errorf("Expected err %q but got \"%v\"", tc.err, err)
			}
		})
	}
}

// TestForcePushPublishesSpeculativeMergeCommit exercises the tail of
// candidateBuilder.Prepare (spec.md §4.3 Step 1): once a speculative
// merge commit is built, it's force-pushed to the repo's auto_branch
// so CI can pick it up.
func TestForcePushPublishesSpeculativeMergeCommit(t *testing.T) {
	const (
		org        = "bors-org"
		repo       = "queued-repo"
		autoBranch = "auto"
	)
	lg, c, err := localgit.New()
	if err != nil {
		t.Fatalf("Making local git repo: %v", err)
	}
	defer func() {
		if err := lg.Clean(); err != nil {
			t.Errorf("Error cleaning LocalGit: %v", err)
		}
		if err := c.Clean(); err != nil {
			t.Errorf("Error cleaning Client: %v", err)
		}
	}()
	if err := lg.MakeFakeRepo(org, repo); err != nil {
		t.Fatalf("Making fake repo: %v", err)
	}

	if err := lg.CheckoutNewBranch(org, repo, "candidate-branch"); err != nil {
		t.Fatalf("Checkout new branch: %v", err)
	}
	if err := lg.AddCommit(org, repo, map[string][]byte{"candidate-change": []byte("val")}); err != nil {
		t.Fatalf("Add commit: %v", err)
	}
	headSHA, err := lg.RevParse(org, repo, "HEAD")
	if err != nil {
		t.Fatalf("rev-parse HEAD: %v", err)
	}
	if err := lg.Checkout(org, repo, "master"); err != nil {
		t.Fatalf("Checkout master: %v", err)
	}
	baseSHA, err := lg.RevParse(org, repo, "master")
	if err != nil {
		t.Fatalf("rev-parse master: %v", err)
	}

	r, err := c.Clone(org + "/" + repo)
	if err != nil {
		t.Fatalf("Cloning: %v", err)
	}
	defer func() {
		if err := r.Clean(); err != nil {
			t.Errorf("Cleaning repo: %v", err)
		}
	}()
	if err := r.Config("user.name", "borsbot"); err != nil {
		t.Fatalf("setting user.name: %v", err)
	}
	if err := r.Config("user.email", "borsbot@localhost"); err != nil {
		t.Fatalf("setting user.email: %v", err)
	}
	if err := r.Config("commit.gpgsign", "false"); err != nil {
		t.Fatalf("disabling gpg signing: %v", err)
	}

	if err := r.MergeAndCheckout(baseSHA, github.MergeMerge, headSHA); err != nil {
		t.Fatalf("MergeAndCheckout: %v", err)
	}
	mergeOID, err := r.RevParse("HEAD")
	if err != nil {
		t.Fatalf("rev-parse HEAD after merge: %v", err)
	}

	if err := r.ForcePush("refs/heads/" + autoBranch); err != nil {
		t.Fatalf("ForcePush: %v", err)
	}

	pushedSHA, err := lg.RevParse(org, repo, "refs/heads/"+autoBranch)
	if err != nil {
		t.Fatalf("rev-parse %s on the remote: %v", autoBranch, err)
	}
	if pushedSHA != mergeOID {
		t.Errorf("expected %s to point at the merge commit %s, got %s", autoBranch, mergeOID, pushedSHA)
	}
}
