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
	"time"

	"github.com/pkg/errors"

	"github.com/clarketm/borsbot/command"
	"github.com/clarketm/borsbot/github"
	"github.com/clarketm/borsbot/queue"
)

// raceReconcileDelay is the race-reconciliation wait before re-querying
// a review decision (spec.md §4.2).
const raceReconcileDelay = 300 * time.Millisecond

// handleWebhook is the Dispatcher (spec.md §4.2): it drops events for
// repos this actor doesn't own, then branches on event kind.
func (p *EventProcessor) handleWebhook(ctx context.Context, wh *webhookRequest) error {
	switch wh.kind {
	case "pull_request":
		e, ok := wh.payload.(*github.PullRequestEvent)
		if !ok {
			return fmt.Errorf("pull_request payload has wrong type")
		}
		if !p.owns(e.Repo) {
			return nil
		}
		return p.handlePullRequestEvent(ctx, e)

	case "pull_request_review":
		e, ok := wh.payload.(*github.PullRequestReviewEvent)
		if !ok {
			return fmt.Errorf("pull_request_review payload has wrong type")
		}
		if !p.owns(e.Repo) {
			return nil
		}
		return p.handlePullRequestReviewEvent(ctx, e)

	case "issue_comment":
		e, ok := wh.payload.(*github.IssueCommentEvent)
		if !ok {
			return fmt.Errorf("issue_comment payload has wrong type")
		}
		if !p.owns(e.Repo) {
			return nil
		}
		if e.Action != github.CommentActionCreated || !e.Issue.IsPullRequest() {
			return nil
		}
		return p.processComment(ctx, e.Sender.Login, e.Issue.Number, e.Comment.Body, e.Comment.ID)

	case "pull_request_review_comment":
		e, ok := wh.payload.(*github.PullRequestReviewCommentEvent)
		if !ok {
			return fmt.Errorf("pull_request_review_comment payload has wrong type")
		}
		if !p.owns(e.Repo) {
			return nil
		}
		if e.Action != github.CommentActionCreated {
			return nil
		}
		return p.processComment(ctx, e.Sender.Login, e.PullRequest.Number, e.Comment.Body, e.Comment.ID)

	case "check_run":
		e, ok := wh.payload.(*github.CheckRunEvent)
		if !ok {
			return fmt.Errorf("check_run payload has wrong type")
		}
		if !p.owns(e.Repo) {
			return nil
		}
		p.handleCheckRunEvent(e)
		return nil

	case "status":
		e, ok := wh.payload.(*github.StatusEvent)
		if !ok {
			return fmt.Errorf("status payload has wrong type")
		}
		if !p.owns(e.Repo) {
			return nil
		}
		p.handleStatusEvent(e)
		return nil

	default:
		p.log.WithField("kind", wh.kind).Debug("ignoring unsupported webhook kind")
		return nil
	}
}

func (p *EventProcessor) owns(repo github.Repo) bool {
	return repo.Owner.Login == p.cfg.Owner() && repo.Name == p.cfg.Name()
}

func (p *EventProcessor) handlePullRequestEvent(ctx context.Context, e *github.PullRequestEvent) error {
	switch e.Action {
	case github.PullRequestActionOpened, github.PullRequestActionReopened:
		pr := fromPayload(&e.PullRequest)
		pr.ApplyLabelConfig(p.cfg.Labels)

		// SPEC_FULL.md F.3.1: the maintainer-mode advisory comment is a
		// one-shot, gated on the PR actually being from a fork.
		if p.cfg.MaintainerMode && !e.PullRequest.MaintainerCanModify && !e.PullRequest.IsFromBaseRepo() {
			if err := p.gh.CreateComment(ctx, p.cfg.Owner(), p.cfg.Name(), pr.Number, maintainerModeComment()); err != nil {
				p.log.WithError(err).Warn("failed to post maintainer-mode comment")
			}
		}

		if existing := p.table.Get(pr.Number); existing != nil {
			p.log.WithField("pr", pr.Number).Warn("opened/reopened replaced an existing PR record")
		}
		p.table.Put(pr)

	case github.PullRequestActionSynchronize:
		pr := p.table.Get(e.Number)
		if pr == nil {
			return nil
		}
		pr.HeadOID = e.PullRequest.Head.SHA
		// A head change on a Queued/Testing PR demotes it (spec.md §4.2
		// "invariant: queue members have a stable head").
		if pr.Status.Kind == queue.StatusQueued || pr.Status.Kind == queue.StatusTesting {
			if pr.Status.Kind == queue.StatusTesting {
				p.mq.ClearInFlight(pr.Number)
			}
			queue.Demote(pr)
		}

	case github.PullRequestActionClosed:
		// SPEC_FULL.md F.3.5: explicitly clear any dangling in-flight
		// reference rather than leaving it for the next tick to notice
		// the candidate vanished.
		p.mq.ClearInFlight(e.Number)
		p.table.Delete(e.Number)
		if err := p.board.Remove(e.Number); err != nil {
			p.log.WithError(err).Warn("failed to remove board card")
		}

	case github.PullRequestActionLabeled:
		if pr := p.table.Get(e.Number); pr != nil && e.Label != nil {
			pr.SetLabel(e.Label.Name)
			pr.ApplyLabelConfig(p.cfg.Labels)
		}

	case github.PullRequestActionUnlabeled:
		if pr := p.table.Get(e.Number); pr != nil && e.Label != nil {
			pr.RemoveLabel(e.Label.Name)
			pr.ApplyLabelConfig(p.cfg.Labels)
		}

	case github.PullRequestActionConvertedToDraft:
		if pr := p.table.Get(e.Number); pr != nil {
			pr.IsDraft = true
		}

	case github.PullRequestActionReadyForReview:
		if pr := p.table.Get(e.Number); pr != nil {
			pr.IsDraft = false
		}

	case github.PullRequestActionEdited:
		if pr := p.table.Get(e.Number); pr != nil {
			pr.Title = e.PullRequest.Title
			pr.Body = e.PullRequest.Body
			if pr.BaseRef != e.PullRequest.Base.Ref {
				pr.BaseRef = e.PullRequest.Base.Ref
				pr.BaseOID = e.PullRequest.Base.SHA
				queue.Demote(pr)
			}
			pr.MaintainerCanModify = e.PullRequest.MaintainerCanModify
		}
	}
	return nil
}

func fromPayload(pr *github.PullRequest) *queue.PullRequest {
	out := &queue.PullRequest{
		Number:              pr.Number,
		Title:               pr.Title,
		Body:                pr.Body,
		Author:              pr.User.Login,
		HeadOID:             pr.Head.SHA,
		HeadRepo:            pr.Head.Repo.FullName,
		BaseRef:             pr.Base.Ref,
		BaseOID:             pr.Base.SHA,
		IsDraft:             pr.Draft,
		MaintainerCanModify: pr.MaintainerCanModify,
		Status:              queue.Status{Kind: queue.StatusInReview},
	}
	for _, l := range pr.Labels {
		out.SetLabel(l.Name)
	}
	return out
}

func (p *EventProcessor) handleCheckRunEvent(e *github.CheckRunEvent) {
	if e.Action != github.CheckRunActionCompleted {
		return
	}
	pr := p.pullFromMergeOID(e.CheckRun.HeadSHA)
	if pr == nil {
		return
	}
	pr.Status.Results = append(pr.Status.Results, queue.BuildResult{
		CheckName:  e.CheckRun.Name,
		URL:        e.CheckRun.DetailsURL,
		Conclusion: string(e.CheckRun.Conclusion),
	})
}

func (p *EventProcessor) handleStatusEvent(e *github.StatusEvent) {
	var conclusion string
	switch e.State {
	case github.StatusStateSuccess:
		conclusion = queue.ConclusionSuccess
	case github.StatusStateFailure, github.StatusStateError:
		conclusion = queue.ConclusionFailure
	default: // pending
		return
	}
	pr := p.pullFromMergeOID(e.SHA)
	if pr == nil {
		return
	}
	pr.Status.Results = append(pr.Status.Results, queue.BuildResult{
		CheckName:  e.Context,
		URL:        e.TargetURL,
		Conclusion: conclusion,
	})
}

func (p *EventProcessor) pullFromMergeOID(sha string) *queue.PullRequest {
	for _, pr := range p.table.All() {
		if pr.Status.Kind == queue.StatusTesting || pr.Status.Kind == queue.StatusCanary {
			if pr.Status.MergeOID == sha {
				return pr
			}
		}
	}
	return nil
}

func (p *EventProcessor) handlePullRequestReviewEvent(ctx context.Context, e *github.PullRequestReviewEvent) error {
	pr := p.table.Get(e.PullRequest.Number)
	if pr == nil {
		return nil
	}

	approved, err := p.gh.GetReviewDecision(ctx, p.cfg.Owner(), p.cfg.Name(), pr.Number)
	if err != nil {
		return errors.Wrap(err, "querying review decision")
	}

	// spec.md §4.2 race-reconciliation rule.
	race := (pr.Approved && approved && (e.Review.State == github.ReviewStateDismissed || e.Review.State == github.ReviewStateChangesRequested)) ||
		(!pr.Approved && !approved && e.Review.State == github.ReviewStateApproved)
	if race {
		p.log.WithField("pr", pr.Number).Debug("potential review-decision race, re-querying after delay")
		time.Sleep(raceReconcileDelay)
		approved, err = p.gh.GetReviewDecision(ctx, p.cfg.Owner(), p.cfg.Name(), pr.Number)
		if err != nil {
			return errors.Wrap(err, "re-querying review decision")
		}
	}
	pr.Approved = approved

	if e.IsSubmitted() && e.Review.Body != "" {
		return p.processComment(ctx, e.Sender.Login, pr.Number, e.Review.Body, 0)
	}
	return nil
}

// processComment feeds a comment body to the Command Handler (spec.md
// §4.4). SPEC_FULL.md F.3.3/F.3.4: a recognized command gets a
// reaction before authorization is checked; a closed/unknown PR gets
// an explanatory reply instead of being silently dropped.
func (p *EventProcessor) processComment(ctx context.Context, sender string, number int, body string, commentID int64) error {
	cmd := command.Parse(body, p.botName, p.cfg.CommandPrefix)
	if cmd == nil {
		return nil
	}

	if cmd.Kind != command.KindInvalid && commentID != 0 && p.shouldReact(commentID) {
		if err := p.gh.AddReaction(ctx, p.cfg.Owner(), p.cfg.Name(), commentID, github.ReactionRocket); err != nil {
			p.log.WithError(err).Warn("failed to post acknowledgement reaction")
		}
	}

	if cmd.Kind == command.KindInvalid {
		msg := fmt.Sprintf(":exclamation: Invalid command\n\n%s", command.HelpText(p.cfg))
		return p.gh.CreateComment(ctx, p.cfg.Owner(), p.cfg.Name(), number, msg)
	}
	if cmd.Kind == command.KindHelp {
		return p.gh.CreateComment(ctx, p.cfg.Owner(), p.cfg.Name(), number, command.HelpText(p.cfg))
	}

	pr := p.table.Get(number)
	if pr == nil {
		// SPEC_FULL.md F.3.4.
		return p.gh.CreateComment(ctx, p.cfg.Owner(), p.cfg.Name(), number,
			fmt.Sprintf("@%s: unable to run the provided command on a closed PR", sender))
	}

	if p.authz != nil {
		ok, err := p.authz.IsAuthorized(ctx, p.cfg.Owner(), p.cfg.Name(), sender, cmd.Kind)
		if err != nil {
			return errors.Wrap(err, "checking authorization")
		}
		if !ok {
			return nil // unauthorized commands are silently dropped (spec.md §4.4).
		}
	}

	if cmd.Kind == command.KindCancel || cmd.Kind == command.KindUnapprove {
		if pr.Status.Kind == queue.StatusTesting {
			p.mq.ClearInFlight(pr.Number)
		}
	}
	if reply := command.Apply(cmd, pr); reply != "" {
		return p.gh.CreateComment(ctx, p.cfg.Owner(), p.cfg.Name(), number, reply)
	}
	return nil
}
