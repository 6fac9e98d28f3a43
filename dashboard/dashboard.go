/*
Copyright 2018 The Kubernetes Authors.

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

// Package dashboard is the read-only status endpoint (spec.md §6.5): it
// calls GetStateSnapshot and renders the queue as JSON. It never
// mutates the PR Table or Merge Queue directly; the one write-shaped
// control it exposes, a manual resync trigger, goes through the same
// Inbox as a webhook would (EventProcessor.Synchronize), gated by a
// signed session cookie so it isn't a public denial-of-service knob.
// Grounded on userdashboard/userdashboard.go's DashboardAgent/session
// shape, with the GitHub-OAuth personal-PR-list behavior replaced by
// the Event Processor snapshot this bot actually owns.
package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/sirupsen/logrus"

	"github.com/clarketm/borsbot/processor"
	"github.com/clarketm/borsbot/queue"
)

const (
	resyncSession = "borsbot-dashboard-session"
	authedKey     = "authed"
)

// queueView is the JSON shape rendered to /repos/{owner}/{name}.
type queueView struct {
	Owner    string      `json:"owner"`
	Name     string      `json:"name"`
	InFlight string      `json:"in_flight,omitempty"`
	Queue    []prView    `json:"queue"`
	InReview []prView    `json:"in_review"`
}

type prView struct {
	Number   int    `json:"number"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	Status   string `json:"status"`
	Priority int    `json:"priority,omitempty"`
	Approved bool   `json:"approved"`
}

// Agent serves the dashboard for a fixed set of repositories, keyed by
// "owner/name", each backed by its own Event Processor.
type Agent struct {
	repos map[string]*processor.EventProcessor
	store sessions.Store
	log   *logrus.Entry
}

// NewAgent wires an Agent. cookieHashKey authenticates the resync
// session cookie (gorilla/securecookie); it should be a stable random
// 32/64-byte key read from the same secrets store as the webhook HMAC.
func NewAgent(repos map[string]*processor.EventProcessor, cookieHashKey []byte, log *logrus.Entry) *Agent {
	return &Agent{
		repos: repos,
		store: sessions.NewCookieStore(cookieHashKey),
		log:   log,
	}
}

// HandleSnapshot renders the current queue state for one configured
// repo as JSON (spec.md §6.5).
func (a *Agent) HandleSnapshot(owner, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := owner + "/" + name
		proc, ok := a.repos[key]
		if !ok {
			http.Error(w, "404 Not Found: unknown repository", http.StatusNotFound)
			return
		}
		snap, err := proc.GetStateSnapshot(r.Context())
		if err != nil {
			a.log.WithError(err).WithField("repo", key).Error("failed to fetch state snapshot")
			http.Error(w, fmt.Sprintf("500 Internal Server Error: %v", err), http.StatusInternalServerError)
			return
		}
		view := renderSnapshot(owner, name, snap)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(view); err != nil {
			a.log.WithError(err).Error("failed to encode dashboard snapshot")
		}
	}
}

func renderSnapshot(owner, name string, snap processor.StateSnapshot) queueView {
	view := queueView{Owner: owner, Name: name}
	if snap.InFlight != nil {
		view.InFlight = fmt.Sprintf("#%d", snap.InFlight.Number)
	}
	for _, pr := range snap.Table.All() {
		item := prView{
			Number:   pr.Number,
			Title:    pr.Title,
			Author:   pr.Author,
			Status:   pr.Status.Kind.String(),
			Priority: pr.Priority,
			Approved: pr.Approved,
		}
		if pr.Status.Kind == queue.StatusQueued || pr.Status.Kind == queue.StatusTesting || pr.Status.Kind == queue.StatusCanary {
			view.Queue = append(view.Queue, item)
		} else {
			view.InReview = append(view.InReview, item)
		}
	}
	return view
}

// HandleResync triggers a manual Synchronize for a configured repo,
// requiring a prior authenticated session (set by a sibling admin
// login flow this package does not itself implement).
func (a *Agent) HandleResync(owner, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := a.store.Get(r, resyncSession)
		if err != nil {
			http.Error(w, "500 Internal Server Error: session store", http.StatusInternalServerError)
			return
		}
		if authed, _ := session.Values[authedKey].(bool); !authed {
			http.Error(w, "403 Forbidden: not authenticated", http.StatusForbidden)
			return
		}
		key := owner + "/" + name
		proc, ok := a.repos[key]
		if !ok {
			http.Error(w, "404 Not Found: unknown repository", http.StatusNotFound)
			return
		}
		if err := proc.Synchronize(r.Context()); err != nil {
			a.log.WithError(err).WithField("repo", key).Error("manual resync failed")
			http.Error(w, fmt.Sprintf("500 Internal Server Error: %v", err), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
