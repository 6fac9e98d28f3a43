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

package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/clarketm/borsbot/config"
)

// Builder prepares a speculative merge commit for a candidate PR and
// publishes it to the forge's auto branch (spec.md §4.3 Step 3.1). It
// is the queue's only dependency on the working-copy/forge
// collaborators, kept behind an interface so queue_test.go can exercise
// tick() with a fake instead of real git/forge calls.
type Builder interface {
	// Prepare fetches base and pr's head, merges (or squashes) pr onto
	// base, force-pushes the result to the repo's auto branch, and
	// returns the resulting commit id. A returned Conflict means the
	// merge itself failed — the candidate is demoted, not retried.
	Prepare(ctx context.Context, pr *PullRequest, baseRef string) (mergeOID string, err error)
}

// Conflict marks a Builder.Prepare failure that the candidate itself
// caused, distinguishing it from a transient forge/git failure.
type Conflict string

func (c Conflict) Error() string { return string(c) }

// Merger performs the real, non-speculative merge once a candidate's
// required checks all pass (spec.md §4.3 Step 3.2).
type Merger interface {
	Merge(ctx context.Context, baseRef, mergeOID string) error
}

// Commenter posts progress/result comments back to a PR (used
// throughout tick()).
type Commenter interface {
	Comment(ctx context.Context, number int, body string) error
}

// InFlight is the Merge Queue's reference to the one PR currently
// being tested or canaried (spec.md §3 "a small currently-testing
// reference").
type InFlight struct {
	Number   int
	Deadline time.Time
}

// MergeQueue is a pure decision engine over a Table plus InFlight
// (spec.md §4.3). It issues no I/O directly; Tick's collaborators do.
type MergeQueue struct {
	log      *logrus.Entry
	inFlight *InFlight
}

// New returns an idle MergeQueue.
func New(log *logrus.Entry) *MergeQueue {
	return &MergeQueue{log: log}
}

// InFlightNumber returns the PR number currently under test, or 0.
func (q *MergeQueue) InFlightNumber() int {
	if q.inFlight == nil {
		return 0
	}
	return q.inFlight.Number
}

// ClearInFlight drops the in-flight reference without touching the PR
// record itself — used when the candidate PR was closed out from under
// the queue (SPEC_FULL.md F.3.5).
func (q *MergeQueue) ClearInFlight(number int) {
	if q.inFlight != nil && q.inFlight.Number == number {
		q.inFlight = nil
	}
}

// Snapshot returns a copy of the in-flight reference for dashboards.
func (q *MergeQueue) Snapshot() *InFlight {
	if q.inFlight == nil {
		return nil
	}
	cp := *q.inFlight
	return &cp
}

// Tick runs one pass of the Merge Queue (spec.md §4.3 Steps 1-3.2). It
// is invoked exactly once after every webhook or synchronize request
// (spec.md §4.1); state snapshot requests do not tick.
func (q *MergeQueue) Tick(ctx context.Context, table *Table, cfg config.RepoConfig, builder Builder, merger Merger, commenter Commenter) {
	if q.inFlight != nil {
		if q.evaluateCandidate(ctx, table, cfg, merger, commenter) {
			// Candidate still running; do not select a new one this tick.
			return
		}
	}
	q.selectAndPrepare(ctx, table, cfg, builder, commenter)
}

// evaluateCandidate implements Step 1. Returns true if the candidate is
// still pending (queue should return without selecting a new one).
func (q *MergeQueue) evaluateCandidate(ctx context.Context, table *Table, cfg config.RepoConfig, merger Merger, commenter Commenter) bool {
	pr := table.Get(q.inFlight.Number)
	if pr == nil {
		// Candidate vanished (closed mid-test); §4.3 Step 3 reconciles.
		q.inFlight = nil
		return false
	}

	required := cfg.Checks.Names()
	results := latestByName(pr.Status.Results)

	var failed []BuildResult
	allGreen := true
	for _, name := range required {
		r, ok := results[name]
		if !ok {
			allGreen = false
			continue
		}
		if r.Conclusion != ConclusionSuccess {
			failed = append(failed, r)
		}
	}

	switch {
	case len(failed) > 0:
		q.failCandidate(ctx, pr, commenter, failureMessage(failed))
		return false
	case allGreen && len(failed) == 0 && allRequiredReported(required, results):
		q.mergeCandidate(ctx, pr, table, cfg, merger, commenter)
		return false
	case time.Now().After(q.inFlight.Deadline):
		q.failCandidate(ctx, pr, commenter, fmt.Sprintf("Timed out waiting for required checks after %s.", cfg.Timeout))
		return false
	default:
		return true
	}
}

func allRequiredReported(required []string, results map[string]BuildResult) bool {
	if len(required) == 0 {
		return false
	}
	for _, name := range required {
		r, ok := results[name]
		if !ok || r.Conclusion != ConclusionSuccess {
			return false
		}
	}
	return true
}

func latestByName(results []BuildResult) map[string]BuildResult {
	out := map[string]BuildResult{}
	for _, r := range results {
		out[r.CheckName] = r // later entries in arrival order win
	}
	return out
}

func failureMessage(failed []BuildResult) string {
	msg := "Required checks failed:\n"
	for _, f := range failed {
		msg += fmt.Sprintf("- `%s`: %s (%s)\n", f.CheckName, f.Conclusion, f.URL)
	}
	return msg
}

func (q *MergeQueue) failCandidate(ctx context.Context, pr *PullRequest, commenter Commenter, msg string) {
	if err := commenter.Comment(ctx, pr.Number, msg); err != nil {
		q.log.WithError(err).WithField("pr", pr.Number).Warn("failed to post failure comment")
	}
	pr.Status = Status{Kind: StatusInReview}
	q.inFlight = nil
}

func (q *MergeQueue) mergeCandidate(ctx context.Context, pr *PullRequest, table *Table, cfg config.RepoConfig, merger Merger, commenter Commenter) {
	if pr.Status.Kind == StatusCanary {
		// Canary never performs the real merge (spec.md §4.3 "report-only").
		if err := commenter.Comment(ctx, pr.Number, fmt.Sprintf("Canary build of %s succeeded.", shortOID(pr.Status.MergeOID))); err != nil {
			q.log.WithError(err).Warn("failed to post canary result")
		}
		pr.Status = Status{Kind: StatusInReview}
		q.inFlight = nil
		return
	}
	if err := merger.Merge(ctx, pr.BaseRef, pr.Status.MergeOID); err != nil {
		if err := commenter.Comment(ctx, pr.Number, fmt.Sprintf("Merge failed: %v", err)); err != nil {
			q.log.WithError(err).Warn("failed to post merge-failure comment")
		}
		pr.Status = Status{Kind: StatusInReview}
		q.inFlight = nil
		return
	}
	// The PR will be removed from the table once its `closed` webhook
	// arrives (spec.md §4.3 Step 3.2); the actor doesn't preemptively
	// delete it here since the forge is the sole source of truth for
	// PR-table membership.
	q.inFlight = nil
}

// selectAndPrepare implements Step 3/3.1. It picks the highest
// priority, earliest-queued eligible PR and hands it to builder.
func (q *MergeQueue) selectAndPrepare(ctx context.Context, table *Table, cfg config.RepoConfig, builder Builder, commenter Commenter) {
	candidates := eligible(table, cfg)
	if len(candidates) == 0 {
		return
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].Status.QueuedAt.Before(candidates[j].Status.QueuedAt)
	})

	// Walk candidates in priority/FIFO order; a conflicted candidate is
	// demoted and excluded, and the next one is tried in the same tick
	// (spec.md §4.3 Step 3.1.3 "go to Step 3 with that PR excluded").
	for _, pr := range candidates {
		mergeOID, err := builder.Prepare(ctx, pr, pr.BaseRef)
		if err != nil {
			if _, isConflict := errors.Cause(err).(Conflict); isConflict {
				if cErr := commenter.Comment(ctx, pr.Number, fmt.Sprintf("Merge conflict preparing test commit: %v", err)); cErr != nil {
					q.log.WithError(cErr).Warn("failed to post conflict comment")
				}
				pr.Status = Status{Kind: StatusInReview}
				continue
			}
			q.log.WithError(err).WithField("pr", pr.Number).Warn("failed to prepare test commit, leaving queued for next tick")
			return
		}

		kind := StatusTesting
		if pr.CanaryRequested {
			kind = StatusCanary
			pr.CanaryRequested = false
		}
		pr.Status = Status{
			Kind:      kind,
			MergeOID:  mergeOID,
			StartedAt: time.Now(),
		}
		q.inFlight = &InFlight{Number: pr.Number, Deadline: time.Now().Add(cfg.Timeout)}
		if err := commenter.Comment(ctx, pr.Number, fmt.Sprintf("Testing %s", shortOID(mergeOID))); err != nil {
			q.log.WithError(err).Warn("failed to post testing comment")
		}
		return
	}
}

// eligible returns every Queued-or-Canary-pending PR meeting Step 3's
// eligibility rules.
func eligible(table *Table, cfg config.RepoConfig) []*PullRequest {
	var out []*PullRequest
	for _, pr := range table.All() {
		if pr.Status.Kind != StatusQueued {
			continue
		}
		if cfg.RequireReview && !pr.Approved {
			continue
		}
		if pr.IsDraft {
			continue
		}
		if pr.DoNotMerge(cfg.Labels) {
			continue
		}
		out = append(out, pr)
	}
	return out
}

func shortOID(oid string) string {
	if len(oid) > 7 {
		return oid[:7]
	}
	return oid
}

// Enqueue transitions pr from InReview to Queued (used by the Command
// Handler's r+/approve/retry).
func Enqueue(pr *PullRequest) {
	pr.Status = Status{Kind: StatusQueued, QueuedAt: time.Now()}
}

// EnqueueCanary is like Enqueue but marks the PR so that once its test
// commit starts, Tick produces Canary rather than Testing status
// (the `try` command, spec.md §4.4).
func EnqueueCanary(pr *PullRequest) {
	pr.CanaryRequested = true
	pr.Status = Status{Kind: StatusQueued, QueuedAt: time.Now()}
}

// Demote forces pr back to InReview, clearing any queue/testing state.
// Used by r-, head-change, base-change and base-ref edits (spec.md §4.2).
func Demote(pr *PullRequest) {
	pr.Status = Status{Kind: StatusInReview}
}
