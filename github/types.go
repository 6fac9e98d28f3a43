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

package github

import (
	"strings"
	"time"
)

// NormLogin canonicalizes a forge login for set membership comparisons
// (OWNERS files commonly prefix entries with "@").
func NormLogin(login string) string {
	return strings.ToLower(strings.TrimPrefix(login, "@"))
}

// User is a forge account.
type User struct {
	Login string `json:"login"`
}

// Repo identifies a forge repository in a webhook payload.
type Repo struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Owner    User   `json:"owner"`
}

// Label is a forge label applied to an issue/PR.
type Label struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Branch identifies a head or base ref on a pull request payload.
type Branch struct {
	Ref  string `json:"ref"`
	SHA  string `json:"sha"`
	Repo Repo   `json:"repo"`
}

// PullRequest is the REST shape of a pull request.
type PullRequest struct {
	Number               int      `json:"number"`
	Title                string   `json:"title"`
	Body                 string   `json:"body"`
	User                 User     `json:"user"`
	Head                 Branch   `json:"head"`
	Base                 Branch   `json:"base"`
	Draft                bool     `json:"draft"`
	Merged               bool     `json:"merged"`
	MaintainerCanModify  bool     `json:"maintainer_can_modify"`
	Labels               []Label  `json:"labels"`
}

// IsFromBaseRepo reports whether the PR's head repo is the same as its
// base repo (i.e. it isn't a fork), per original_source's
// pr_is_from_base_repo check (SPEC_FULL.md F.3.1).
func (pr PullRequest) IsFromBaseRepo() bool {
	return pr.Head.Repo.FullName == pr.Base.Repo.FullName
}

// IssueComment is a comment on an issue or pull request.
type IssueComment struct {
	ID     int64  `json:"id"`
	NodeID string `json:"node_id"`
	Body   string `json:"body"`
	User   User   `json:"user"`
}

// ReviewState enumerates a PullRequestReview's state.
type ReviewState string

const (
	ReviewStateApproved         ReviewState = "approved"
	ReviewStateChangesRequested ReviewState = "changes_requested"
	ReviewStateCommented        ReviewState = "commented"
	ReviewStateDismissed        ReviewState = "dismissed"
)

// Review is the payload of a pull_request_review event's "review" key.
type Review struct {
	NodeID string      `json:"node_id"`
	Body   string      `json:"body"`
	State  ReviewState `json:"state"`
	User   User        `json:"user"`
}

// Conclusion enumerates a completed check-run/status conclusion
// (spec.md §3 BuildResult).
type Conclusion string

const (
	ConclusionSuccess        Conclusion = "success"
	ConclusionFailure        Conclusion = "failure"
	ConclusionNeutral        Conclusion = "neutral"
	ConclusionCancelled      Conclusion = "cancelled"
	ConclusionTimedOut       Conclusion = "timed_out"
	ConclusionActionRequired Conclusion = "action_required"
	ConclusionSkipped        Conclusion = "skipped"
)

func (c Conclusion) Successful() bool { return c == ConclusionSuccess }

// CheckRun is the payload of a check_run event's "check_run" key.
type CheckRun struct {
	Name       string     `json:"name"`
	HeadSHA    string     `json:"head_sha"`
	Status     string     `json:"status"`
	Conclusion Conclusion `json:"conclusion"`
	DetailsURL string     `json:"details_url"`
}

// Events - top-level webhook payloads. Every payload carries a Repo so
// the Dispatcher can drop events for repositories it does not own
// (spec.md §4.2).

type PullRequestEventAction string

const (
	PullRequestActionOpened           PullRequestEventAction = "opened"
	PullRequestActionReopened         PullRequestEventAction = "reopened"
	PullRequestActionSynchronize      PullRequestEventAction = "synchronize"
	PullRequestActionClosed           PullRequestEventAction = "closed"
	PullRequestActionLabeled          PullRequestEventAction = "labeled"
	PullRequestActionUnlabeled        PullRequestEventAction = "unlabeled"
	PullRequestActionConvertedToDraft PullRequestEventAction = "converted_to_draft"
	PullRequestActionReadyForReview   PullRequestEventAction = "ready_for_review"
	PullRequestActionEdited           PullRequestEventAction = "edited"
)

type PullRequestEvent struct {
	Action      PullRequestEventAction `json:"action"`
	Number      int                    `json:"number"`
	PullRequest PullRequest            `json:"pull_request"`
	Label       *Label                 `json:"label,omitempty"`
	Repo        Repo                   `json:"repository"`
	Sender      User                   `json:"sender"`
}

type CommentAction string

const CommentActionCreated CommentAction = "created"

type IssueCommentEvent struct {
	Action  CommentAction `json:"action"`
	Issue   Issue         `json:"issue"`
	Comment IssueComment  `json:"comment"`
	Repo    Repo          `json:"repository"`
	Sender  User          `json:"sender"`
}

type Issue struct {
	Number      int     `json:"number"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
	State       string  `json:"state"`
}

func (i Issue) IsPullRequest() bool { return i.PullRequest != nil }

type PullRequestReviewEventAction string

const (
	ReviewEventSubmitted PullRequestReviewEventAction = "submitted"
	ReviewEventEdited    PullRequestReviewEventAction = "edited"
	ReviewEventDismissed PullRequestReviewEventAction = "dismissed"
)

type PullRequestReviewEvent struct {
	Action      PullRequestReviewEventAction `json:"action"`
	PullRequest PullRequest                  `json:"pull_request"`
	Review      Review                       `json:"review"`
	Repo        Repo                         `json:"repository"`
	Sender      User                         `json:"sender"`
}

func (e PullRequestReviewEvent) IsSubmitted() bool { return e.Action == ReviewEventSubmitted }

type PullRequestReviewCommentEvent struct {
	Action      CommentAction `json:"action"`
	PullRequest PullRequest   `json:"pull_request"`
	Comment     IssueComment  `json:"comment"`
	Repo        Repo          `json:"repository"`
	Sender      User          `json:"sender"`
}

type CheckRunEventAction string

const CheckRunActionCompleted CheckRunEventAction = "completed"

type CheckRunEvent struct {
	Action   CheckRunEventAction `json:"action"`
	CheckRun CheckRun            `json:"check_run"`
	Repo     Repo                `json:"repository"`
}

type StatusEventState string

const (
	StatusStatePending StatusEventState = "pending"
	StatusStateSuccess StatusEventState = "success"
	StatusStateFailure StatusEventState = "failure"
	StatusStateError   StatusEventState = "error"
)

type StatusEvent struct {
	SHA       string           `json:"sha"`
	Context   string           `json:"context"`
	State     StatusEventState `json:"state"`
	TargetURL string           `json:"target_url"`
	Repo      Repo             `json:"repository"`
}

// ReactionType is a forge emoji reaction.
type ReactionType string

const ReactionRocket ReactionType = "rocket"

// Status is posted to a commit's combined-status API.
type Status struct {
	State       string `json:"state"`
	TargetURL   string `json:"target_url,omitempty"`
	Description string `json:"description,omitempty"`
	Context     string `json:"context"`
}

// PullRequestMergeType enumerates the forge's branch-merge strategies.
// Only Merge and Squash are supported; spec.md §6.3's working-copy
// contract rejects rebase (MergeAndCheckout returns an error for it).
type PullRequestMergeType string

const (
	MergeMerge  PullRequestMergeType = "merge"
	MergeRebase PullRequestMergeType = "rebase"
	MergeSquash PullRequestMergeType = "squash"
)

// MergeDetails parameterizes a forge Merge call.
type MergeDetails struct {
	SHA         string               `json:"sha"`
	MergeMethod PullRequestMergeType `json:"merge_method"`
}

// ModifiedHeadError means the forge rejected a merge because the PR's
// head moved out from under the bot (grounded on tide.go's
// github.ModifiedHeadError handling in mergePRs).
type ModifiedHeadError string

func (e ModifiedHeadError) Error() string { return string(e) }

// UnmergablePRBaseChangedError means the forge's base branch moved
// during merge computation.
type UnmergablePRBaseChangedError string

func (e UnmergablePRBaseChangedError) Error() string { return string(e) }

// UnauthorizedToPushError means the bot's token cannot push to the
// protected base branch.
type UnauthorizedToPushError string

func (e UnauthorizedToPushError) Error() string { return string(e) }

// UnmergablePRError means the forge reports the PR as unmergeable.
type UnmergablePRError string

func (e UnmergablePRError) Error() string { return string(e) }

// RateLimit mirrors the GraphQL rateLimit block returned by search
// queries (grounded on tide.go's searchQuery.RateLimit).
type RateLimit struct {
	Cost      int
	Remaining int
}

// ReactionTTL bounds how long the Event Processor remembers having
// already posted an acknowledgement reaction to a comment, so a
// redelivered webhook doesn't double-react; entries older than this
// are swept by processor.EventProcessor.shouldReact.
const ReactionTTL = 24 * time.Hour
