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

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/clarketm/borsbot/queue"
)

// defaultLabelColor is used when a configured label is missing on the
// forge and must be created from scratch (spec.md §4.6 step 3).
const defaultLabelColor = "D0D8D8"

// synchronize rebuilds the PR Table from the forge's current open-PR
// list, resets the Merge Queue's in-flight reference, ensures the
// configured labels exist, and refreshes the board mirror (spec.md
// §4.6). Grounded directly on
// original_source/bors/src/event_processor.rs's synchronize().
func (p *EventProcessor) synchronize(ctx context.Context) error {
	p.log.Info("synchronizing")

	pulls, err := p.gh.OpenPullsSearch(ctx, p.cfg.Owner(), p.cfg.Name())
	if err != nil {
		return errors.Wrap(err, "listing open pull requests")
	}
	p.log.WithField("count", len(pulls)).Info("open pull requests")

	p.table.Reset()
	for _, qpr := range pulls {
		pr := &queue.PullRequest{
			Number:  int(qpr.Number),
			Title:   string(qpr.Title),
			Author:  string(qpr.Author.Login),
			HeadOID: string(qpr.HeadRefOID),
			BaseRef: string(qpr.BaseRefName),
			IsDraft: bool(qpr.IsDraft),
			// Approved is deliberately left false here rather than
			// bulk re-queried from qpr.ReviewDecision: spec.md §4.6
			// does not re-derive review state during synchronize, only
			// a subsequent PullRequestReview webhook (or an operator
			// r+) marks a PR approved. A previously-approved PR that
			// survives a resync re-enters the table unapproved until
			// that next event arrives.
			Status: queue.Status{Kind: queue.StatusInReview},
		}
		for _, l := range qpr.LabelNames() {
			pr.SetLabel(l)
		}
		pr.ApplyLabelConfig(p.cfg.Labels)
		p.table.Put(pr)
	}
	// Any in-flight candidate from before the resync no longer
	// corresponds to a table entry we can trust; drop it and let the
	// next tick pick a fresh candidate.
	if n := p.mq.InFlightNumber(); n != 0 {
		p.mq.ClearInFlight(n)
	}

	// The configured labels are independent of one another; ensure them
	// concurrently rather than paying N sequential round trips.
	g, gctx := errgroup.WithContext(ctx)
	for _, label := range p.cfg.Labels.All() {
		label := label
		g.Go(func() error {
			if _, err := p.gh.GetLabel(gctx, p.cfg.Owner(), p.cfg.Name(), label); err != nil {
				if cerr := p.gh.CreateLabel(gctx, p.cfg.Owner(), p.cfg.Name(), label, defaultLabelColor, ""); cerr != nil {
					return errors.Wrapf(cerr, "creating label %q", label)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := p.board.Refresh(p.table); err != nil {
		p.log.WithError(err).Warn("failed to refresh project board during synchronize")
	}

	p.log.Info("done synchronizing")
	return nil
}
