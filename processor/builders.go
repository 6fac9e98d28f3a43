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

package processor

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/clarketm/borsbot/config"
	"github.com/clarketm/borsbot/git"
	"github.com/clarketm/borsbot/github"
	"github.com/clarketm/borsbot/queue"
)

// candidateBuilder adapts git.Client+github.PullRequestMergeType to
// queue.Builder (spec.md §4.3 Step 3.1). It owns no state across
// calls; the working copy itself is cloned fresh per candidate and
// cleaned up after use, trading a clone's cost for isolation from the
// previous candidate's leftover state.
type candidateBuilder struct {
	gh   *github.Client
	gitc *git.Client
	cfg  config.RepoConfig
}

func (b *candidateBuilder) Prepare(ctx context.Context, pr *queue.PullRequest, baseRef string) (string, error) {
	repoSlug := b.cfg.Owner() + "/" + b.cfg.Name()
	repo, err := b.gitc.Clone(repoSlug)
	if err != nil {
		return "", errors.Wrap(err, "cloning working copy")
	}
	defer func() {
		if cerr := repo.Clean(); cerr != nil {
			// Best-effort cleanup; a leaked temp clone does not affect
			// correctness, only disk usage.
			_ = cerr
		}
	}()

	if err := repo.Fetch(baseRef); err != nil {
		return "", errors.Wrapf(err, "fetching %s", baseRef)
	}
	baseSHA, err := repo.RevParse("FETCH_HEAD")
	if err != nil {
		return "", errors.Wrap(err, "resolving base ref")
	}

	if err := repo.CheckoutPullRequest(pr.Number); err != nil {
		return "", errors.Wrap(err, "fetching pr head")
	}
	headSHA, err := repo.RevParse("HEAD")
	if err != nil {
		return "", errors.Wrap(err, "resolving pr head")
	}

	strategy := github.MergeMerge
	if pr.Squash {
		strategy = github.MergeSquash
	}
	if err := repo.MergeAndCheckout(baseSHA, strategy, headSHA); err != nil {
		return "", queue.Conflict(err.Error())
	}

	mergeOID, err := repo.RevParse("HEAD")
	if err != nil {
		return "", errors.Wrap(err, "resolving merge commit")
	}

	if err := repo.ForcePush("refs/heads/" + b.cfg.AutoBranch); err != nil {
		return "", errors.Wrapf(err, "force-pushing to %s", b.cfg.AutoBranch)
	}
	return mergeOID, nil
}

// realMerger performs the fast-forward merge of Step 3.2 through the
// forge's branch-update API.
type realMerger struct {
	gh  *github.Client
	cfg config.RepoConfig
}

func (m *realMerger) Merge(ctx context.Context, baseRef, mergeOID string) error {
	return m.gh.UpdateBranch(ctx, m.cfg.Owner(), m.cfg.Name(), "heads/"+baseRef, mergeOID, false)
}

// issueCommenter posts progress/result comments (used throughout
// tick()).
type issueCommenter struct {
	gh  *github.Client
	cfg config.RepoConfig
}

func (c *issueCommenter) Comment(ctx context.Context, number int, body string) error {
	return c.gh.CreateComment(ctx, c.cfg.Owner(), c.cfg.Name(), number, body)
}

func maintainerModeComment() string {
	return fmt.Sprintf(":exclamation: before this PR can be merged please make sure that you enable " +
		"[\"Allow edits from maintainers\"]" +
		"(https://help.github.com/en/github/collaborating-with-issues-and-pull-requests/allowing-changes-to-a-pull-request-branch-created-from-a-fork).\n\n" +
		"This is needed so the bot can update this PR in place.")
}
