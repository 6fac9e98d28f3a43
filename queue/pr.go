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

// Package queue implements the PR Table and Merge Queue state machine
// (spec.md §3, §4.3): the pure in-memory decision engine the Event
// Processor drives on every tick. It issues no forge or working-copy
// I/O itself; callers pass it a Builder/Merger collaborator.
package queue

import (
	"time"

	"github.com/clarketm/borsbot/config"
)

// StatusKind names which arm of the PR status sum type (spec.md §3) a
// Status is in.
type StatusKind int

const (
	StatusInReview StatusKind = iota
	StatusQueued
	StatusTesting
	StatusCanary
)

func (k StatusKind) String() string {
	switch k {
	case StatusInReview:
		return "in_review"
	case StatusQueued:
		return "queued"
	case StatusTesting:
		return "testing"
	case StatusCanary:
		return "canary"
	default:
		return "unknown"
	}
}

// Status holds the fields relevant to whichever Kind it's in. Unused
// fields for a given Kind are zero.
type Status struct {
	Kind StatusKind

	// Queued
	QueuedAt time.Time

	// Testing / Canary
	MergeOID    string
	StartedAt   time.Time
	Results     []BuildResult
}

// BuildResult is a single required-check outcome against a merge_oid
// (spec.md §3).
type BuildResult struct {
	CheckName  string
	URL        string
	Conclusion string
}

// Conclusion constants mirror the forge's vocabulary (spec.md §3).
const (
	ConclusionSuccess        = "success"
	ConclusionFailure        = "failure"
	ConclusionNeutral        = "neutral"
	ConclusionCancelled      = "cancelled"
	ConclusionTimedOut       = "timed_out"
	ConclusionActionRequired = "action_required"
	ConclusionSkipped        = "skipped"
)

// Terminal reports whether a conclusion represents a finished check run
// (as opposed to pending/in-progress, which never reaches BuildResult).
func Terminal(conclusion string) bool {
	switch conclusion {
	case ConclusionSuccess, ConclusionFailure, ConclusionNeutral,
		ConclusionCancelled, ConclusionTimedOut, ConclusionActionRequired, ConclusionSkipped:
		return true
	default:
		return false
	}
}

// PullRequest is the authoritative in-memory record for one PR
// (spec.md §3). It is never shared outside the owning actor except as
// a deep copy (GetStateSnapshot).
type PullRequest struct {
	Number int
	Title  string
	Body   string
	Author string

	HeadOID  string
	HeadRepo string // full_name of the head repo; differs from base on forks

	BaseRef string
	BaseOID string

	Labels map[string]struct{}

	Approved            bool
	IsDraft              bool
	MaintainerCanModify  bool

	Priority int
	Squash   bool

	// CanaryRequested marks a Queued PR that should become Canary
	// rather than Testing once its test commit is prepared (the `try`
	// command, spec.md §4.4). Cleared once consumed.
	CanaryRequested bool

	Status Status
}

// HasLabel reports whether name is in the PR's label set.
func (pr *PullRequest) HasLabel(name string) bool {
	_, ok := pr.Labels[name]
	return ok
}

// SetLabel adds name to the PR's label set.
func (pr *PullRequest) SetLabel(name string) {
	if pr.Labels == nil {
		pr.Labels = map[string]struct{}{}
	}
	pr.Labels[name] = struct{}{}
}

// RemoveLabel removes name from the PR's label set.
func (pr *PullRequest) RemoveLabel(name string) {
	delete(pr.Labels, name)
}

// ApplyLabelConfig recomputes Squash/Priority from the PR's current
// label set against names (spec.md §4.5): at most one priority label
// wins, with high beating low if both are somehow present.
func (pr *PullRequest) ApplyLabelConfig(names config.LabelNames) {
	pr.Squash = pr.HasLabel(names.Squash)
	switch {
	case pr.HasLabel(names.HighPriority):
		pr.Priority = 1
	case pr.HasLabel(names.LowPriority):
		pr.Priority = -1
	default:
		pr.Priority = 0
	}
}

// DoNotMerge reports whether any of the repo's configured do-not-merge
// labels is present (spec.md §4.3 eligibility).
func (pr *PullRequest) DoNotMerge(names config.LabelNames) bool {
	for _, l := range names.DoNotMerge {
		if pr.HasLabel(l) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy suitable for handing to GetStateSnapshot
// readers without risking a data race with the owning actor.
func (pr *PullRequest) Clone() *PullRequest {
	cp := *pr
	cp.Labels = make(map[string]struct{}, len(pr.Labels))
	for k := range pr.Labels {
		cp.Labels[k] = struct{}{}
	}
	cp.Status.Results = append([]BuildResult(nil), pr.Status.Results...)
	return &cp
}

// Table is the PR-number-indexed store the Merge Queue consults
// (spec.md §2 "PR Table").
type Table struct {
	byNumber map[int]*PullRequest
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{byNumber: map[int]*PullRequest{}}
}

// Get returns the record for number, or nil.
func (t *Table) Get(number int) *PullRequest { return t.byNumber[number] }

// Put inserts or overwrites number's record.
func (t *Table) Put(pr *PullRequest) { t.byNumber[pr.Number] = pr }

// Delete removes number's record (spec.md §3 invariant 4 — "closed").
func (t *Table) Delete(number int) { delete(t.byNumber, number) }

// All returns every record currently in the table, in unspecified order.
func (t *Table) All() []*PullRequest {
	out := make([]*PullRequest, 0, len(t.byNumber))
	for _, pr := range t.byNumber {
		out = append(out, pr)
	}
	return out
}

// Reset empties the table (used by the Event Processor's synchronize, spec.md §4.6 step 1).
func (t *Table) Reset() { t.byNumber = map[int]*PullRequest{} }

// Clone returns a deep copy of the table for GetStateSnapshot.
func (t *Table) Clone() *Table {
	cp := NewTable()
	for n, pr := range t.byNumber {
		cp.byNumber[n] = pr.Clone()
	}
	return cp
}
