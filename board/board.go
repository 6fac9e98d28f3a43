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

// Package board mirrors Merge Queue state onto an optional external
// project board (spec.md §1 "the optional project board mirror of
// queue state"). It is consulted after every PR Table/Merge Queue
// mutation that the Dispatcher or Synchronizer performs.
package board

import (
	"encoding/json"
	"strconv"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/sirupsen/logrus"

	"github.com/clarketm/borsbot/queue"
)

// Card is the board-visible projection of one PR.
type Card struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Column string `json:"column"`
}

func columnFor(pr *queue.PullRequest) string {
	switch pr.Status.Kind {
	case queue.StatusQueued:
		return "queued"
	case queue.StatusTesting:
		return "testing"
	case queue.StatusCanary:
		return "canary"
	default:
		return "in_review"
	}
}

// Mirror is the board collaborator's contract. NoopBoard satisfies it
// with no-ops for repos that don't configure a board integration.
type Mirror interface {
	// Refresh brings the board's cards in line with table, issuing
	// only the minimal set of card updates (via a JSON patch diff
	// against the last known state) rather than a full replace.
	Refresh(table *queue.Table) error
	// Remove drops number's card, e.g. once its PR is closed.
	Remove(number int) error
}

// NoopBoard is the default Mirror used when a repo has no board
// integration configured.
type NoopBoard struct{}

func (NoopBoard) Refresh(*queue.Table) error { return nil }
func (NoopBoard) Remove(int) error           { return nil }

// JSONPatchBoard tracks the last-synced card set in memory and, on
// Refresh, computes a JSON merge patch against the new desired state
// so only changed cards are re-issued to the (external, out-of-scope)
// board API — exercising evanphx/json-patch rather than re-sending
// every card on every tick.
type JSONPatchBoard struct {
	log  *logrus.Entry
	last map[int]Card

	// apply is the out-of-scope board API call; tests inject a fake.
	apply func(patch []byte) error
}

// NewJSONPatchBoard builds a Mirror that diffs card state via
// evanphx/json-patch before calling apply with the resulting patch.
func NewJSONPatchBoard(log *logrus.Entry, apply func(patch []byte) error) *JSONPatchBoard {
	return &JSONPatchBoard{log: log, last: map[int]Card{}, apply: apply}
}

func (b *JSONPatchBoard) Refresh(table *queue.Table) error {
	desired := map[int]Card{}
	for _, pr := range table.All() {
		desired[pr.Number] = Card{Number: pr.Number, Title: pr.Title, Column: columnFor(pr)}
	}

	oldDoc, err := json.Marshal(b.last)
	if err != nil {
		return err
	}
	newDoc, err := json.Marshal(desired)
	if err != nil {
		return err
	}
	patch, err := jsonpatch.CreateMergePatch(oldDoc, newDoc)
	if err != nil {
		return err
	}
	if string(patch) == "{}" {
		return nil
	}
	if err := b.apply(patch); err != nil {
		return err
	}
	b.last = desired
	return nil
}

func (b *JSONPatchBoard) Remove(number int) error {
	if _, ok := b.last[number]; !ok {
		return nil
	}
	delete(b.last, number)
	patch, err := json.Marshal(map[string]interface{}{
		strconv.Itoa(number): nil,
	})
	if err != nil {
		return err
	}
	return b.apply(patch)
}
