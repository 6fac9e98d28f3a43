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

// Package processor implements the per-repository Event Processor
// actor and its embedded Merge Queue tick (spec.md §1, §4, §5): a
// single-consumer inbox loop that owns the PR Table and Merge Queue
// and is the only writer of either. Grounded directly on
// original_source/bors/src/event_processor.rs's Request/EventProcessor
// shape, rewritten around goroutines+channels instead of
// futures::mpsc/oneshot.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/clarketm/borsbot/board"
	"github.com/clarketm/borsbot/command"
	"github.com/clarketm/borsbot/config"
	"github.com/clarketm/borsbot/git"
	"github.com/clarketm/borsbot/github"
	"github.com/clarketm/borsbot/queue"
)

// inboxCapacity is the Inbox's bound (spec.md §5 "Backpressure",
// suggested capacity 1024).
const inboxCapacity = 1024

// StateSnapshot is a deep copy of the actor's state for the dashboard
// (spec.md §4.1 GetStateSnapshot).
type StateSnapshot struct {
	Table    *queue.Table
	InFlight *queue.InFlight
}

// request is the Inbox's sum type (spec.md §4.1): Webhook,
// GetStateSnapshot, Synchronize.
type request struct {
	id int64

	webhook  *webhookRequest
	snapshot chan StateSnapshot
	sync     bool
	syncErr  chan error
}

type webhookRequest struct {
	kind       string
	deliveryID string
	payload    interface{}
}

// Authorizer decides whether a command sender may run a given command
// kind; the processor package only depends on the interface so
// repoowners (or a simpler org-membership check) can be swapped in.
type Authorizer = command.Authorizer

// EventProcessor is the single-owner actor for one configured
// repository (spec.md §2).
type EventProcessor struct {
	log    *logrus.Entry
	cfg    config.RepoConfig
	gh     *github.Client
	gitc   *git.Client
	board  board.Mirror
	authz  Authorizer

	table *queue.Table
	mq    *queue.MergeQueue

	botName string

	// reactedComments dedups the acknowledgement reaction
	// processComment posts against a redelivered webhook for a comment
	// it already reacted to; entries older than github.ReactionTTL are
	// swept lazily on each call rather than by a background goroutine,
	// since only the actor's own loop ever touches this map.
	reactedComments map[int64]time.Time

	inbox chan request
	idGen *snowflake.Node
}

// New constructs an EventProcessor; it does not start the actor loop
// or synchronize — call Start for that.
func New(cfg config.RepoConfig, gh *github.Client, gitc *git.Client, mirror board.Mirror, authz Authorizer, botName string) (*EventProcessor, error) {
	idGen, err := snowflake.NewNode(1)
	if err != nil {
		return nil, errors.Wrap(err, "creating request id generator")
	}
	if mirror == nil {
		mirror = board.NoopBoard{}
	}
	log := logrus.WithFields(logrus.Fields{"org": cfg.Owner(), "repo": cfg.Name()})
	return &EventProcessor{
		log:             log,
		cfg:             cfg,
		gh:              gh,
		gitc:            gitc,
		board:           mirror,
		authz:           authz,
		table:           queue.NewTable(),
		mq:              queue.New(log),
		botName:         botName,
		reactedComments: map[int64]time.Time{},
		inbox:           make(chan request, inboxCapacity),
		idGen:           idGen,
	}, nil
}

// Start synchronizes initial state (fatal on failure, per spec.md
// §4.1 "a failure during initial synchronization is fatal") and begins
// consuming the Inbox. Blocks until ctx is cancelled.
func (p *EventProcessor) Start(ctx context.Context) error {
	if err := p.synchronize(ctx); err != nil {
		return errors.Wrap(err, "initial synchronization failed")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-p.inbox:
			p.handle(ctx, req)
		}
	}
}

func (p *EventProcessor) handle(ctx context.Context, req request) {
	switch {
	case req.webhook != nil:
		if err := p.handleWebhook(ctx, req.webhook); err != nil {
			p.log.WithError(err).WithField("delivery", req.webhook.deliveryID).Error("error handling webhook")
		}
	case req.snapshot != nil:
		req.snapshot <- p.snapshotLocked()
		return // GetStateSnapshot does not tick (no mutation occurred)
	case req.sync:
		err := p.synchronize(ctx)
		if req.syncErr != nil {
			req.syncErr <- err
		}
		if err != nil {
			p.log.WithError(err).Error("explicit synchronize failed")
		}
	}
	p.tick(ctx)
}

func (p *EventProcessor) tick(ctx context.Context) {
	builder := &candidateBuilder{gh: p.gh, gitc: p.gitc, cfg: p.cfg}
	merger := &realMerger{gh: p.gh, cfg: p.cfg}
	commenter := &issueCommenter{gh: p.gh, cfg: p.cfg}
	p.mq.Tick(ctx, p.table, p.cfg, builder, merger, commenter)
	if err := p.board.Refresh(p.table); err != nil {
		p.log.WithError(err).Warn("failed to refresh project board")
	}
}

func (p *EventProcessor) snapshotLocked() StateSnapshot {
	return StateSnapshot{Table: p.table.Clone(), InFlight: p.mq.Snapshot()}
}

// shouldReact reports whether processComment should post an
// acknowledgement reaction for commentID, and records that it has.
// A redelivered webhook for a comment already acknowledged within
// github.ReactionTTL is a no-op rather than a second reaction.
func (p *EventProcessor) shouldReact(commentID int64) bool {
	now := time.Now()
	for id, at := range p.reactedComments {
		if now.Sub(at) > github.ReactionTTL {
			delete(p.reactedComments, id)
		}
	}
	if _, ok := p.reactedComments[commentID]; ok {
		return false
	}
	p.reactedComments[commentID] = now
	return true
}

// --- Inbox submission API, used by the hook HTTP server and cmd/borsbot's cron pulse. ---

// SubmitWebhook enqueues a decoded webhook payload. Returns an error
// (never blocking) if the Inbox is full, so the HTTP handler can
// answer 503 (spec.md §5 "Backpressure").
func (p *EventProcessor) SubmitWebhook(kind, deliveryID string, payload interface{}) error {
	select {
	case p.inbox <- request{id: p.idGen.Generate().Int64(), webhook: &webhookRequest{kind: kind, deliveryID: deliveryID, payload: payload}}:
		return nil
	default:
		return fmt.Errorf("inbox full (capacity %d)", inboxCapacity)
	}
}

// GetStateSnapshot requests a deep copy of current state (spec.md §4.1,
// §6.5 dashboard).
func (p *EventProcessor) GetStateSnapshot(ctx context.Context) (StateSnapshot, error) {
	reply := make(chan StateSnapshot, 1)
	select {
	case p.inbox <- request{id: p.idGen.Generate().Int64(), snapshot: reply}:
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	default:
		return StateSnapshot{}, fmt.Errorf("inbox full (capacity %d)", inboxCapacity)
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	}
}

// Synchronize requests a resync and waits for it to complete (spec.md
// §4.6). Used by the dashboard's manual resync control and the
// periodic cron pulse (spec.md §5 "Cancellation and timeouts").
func (p *EventProcessor) Synchronize(ctx context.Context) error {
	errc := make(chan error, 1)
	select {
	case p.inbox <- request{id: p.idGen.Generate().Int64(), sync: true, syncErr: errc}:
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("inbox full (capacity %d)", inboxCapacity)
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
