/*
Copyright 2016 The Kubernetes Authors.

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

// Package hook is the webhook HTTP surface (spec.md §6.4): it
// authenticates and decodes an incoming GitHub delivery and forwards
// it to the owning repository's Event Processor inbox, never doing
// any queue or forge work itself. Grounded on the teacher's
// hook/server.go ServeHTTP/demuxEvent shape, with the dispatch target
// changed from per-plugin goroutines to a single SubmitWebhook call
// per repo, and the response contract changed to match the inbox's
// own backpressure signal (202/503) instead of an unconditional 200.
package hook

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/clarketm/borsbot/github"
	"github.com/clarketm/borsbot/processor"
)

// Submitter is the subset of *processor.EventProcessor the hook server
// needs; defined as an interface so tests can fake it.
type Submitter interface {
	SubmitWebhook(kind, deliveryID string, payload interface{}) error
}

// Server implements http.Handler. It validates an incoming webhook
// against the configured HMAC secret, decodes it, and routes it to the
// Event Processor that owns the event's repository.
type Server struct {
	// Processors maps "owner/name" to the actor that owns that repo.
	Processors map[string]Submitter

	HMACSecret []byte
	Metrics    *Metrics
	Log        *logrus.Entry
}

// NewServer wires a Server from a registry of per-repo processors.
func NewServer(processors map[string]*processor.EventProcessor, hmacSecret []byte, metrics *Metrics) *Server {
	subs := make(map[string]Submitter, len(processors))
	for k, p := range processors {
		subs[k] = p
	}
	return &Server{
		Processors: subs,
		HMACSecret: hmacSecret,
		Metrics:    metrics,
		Log:        logrus.WithField("component", "hook"),
	}
}

// ServeHTTP validates an incoming webhook and enqueues it onto the
// owning repo's inbox (spec.md §6.4).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.Method == http.MethodGet {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "405 Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "" {
		http.Error(w, "400 Bad Request: Missing X-GitHub-Event Header", http.StatusBadRequest)
		return
	}
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		http.Error(w, "400 Bad Request: Missing X-GitHub-Delivery Header", http.StatusBadRequest)
		return
	}

	payload, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "500 Internal Server Error: Failed to read request body", http.StatusInternalServerError)
		return
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	if sig == "" {
		sig = r.Header.Get("X-Hub-Signature")
	}
	if len(s.HMACSecret) > 0 && !github.ValidatePayload(payload, sig, s.HMACSecret) {
		s.countResponse("401")
		http.Error(w, "401 Unauthorized: Invalid X-Hub-Signature", http.StatusUnauthorized)
		return
	}

	s.countWebhook(eventType)

	repoKey, event, err := decodeEvent(eventType, payload)
	if err != nil {
		s.Log.WithError(err).WithField("event-type", eventType).Error("failed to decode webhook payload")
		http.Error(w, "400 Bad Request: malformed payload", http.StatusBadRequest)
		return
	}
	if event == nil {
		// Event type this bot does not act on (e.g. "ping", or any
		// type decodeEvent does not know); ack it without routing
		// anywhere.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	proc, ok := s.Processors[repoKey]
	if !ok {
		s.Log.WithField("repo", repoKey).Debug("dropping webhook for an unconfigured repository")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := proc.SubmitWebhook(eventType, deliveryID, event); err != nil {
		s.countResponse("503")
		http.Error(w, fmt.Sprintf("503 Service Unavailable: %v", err), http.StatusServiceUnavailable)
		return
	}
	s.countResponse("202")
	w.WriteHeader(http.StatusAccepted)
}

// decodeEvent unmarshals payload into the event type named by
// eventType and returns the "owner/name" key of the repo it belongs
// to. A nil event with a nil error means the event type is not one
// this bot acts on, whether it is "ping" or an unknown type.
func decodeEvent(eventType string, payload []byte) (string, interface{}, error) {
	switch eventType {
	case "pull_request":
		var e github.PullRequestEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return "", nil, err
		}
		return repoKey(e.Repo), &e, nil
	case "pull_request_review":
		var e github.PullRequestReviewEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return "", nil, err
		}
		return repoKey(e.Repo), &e, nil
	case "pull_request_review_comment":
		var e github.PullRequestReviewCommentEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return "", nil, err
		}
		return repoKey(e.Repo), &e, nil
	case "issue_comment":
		var e github.IssueCommentEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return "", nil, err
		}
		return repoKey(e.Repo), &e, nil
	case "check_run":
		var e github.CheckRunEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return "", nil, err
		}
		return repoKey(e.Repo), &e, nil
	case "status":
		var e github.StatusEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return "", nil, err
		}
		return repoKey(e.Repo), &e, nil
	case "ping":
		return "", nil, nil
	default:
		return "", nil, nil
	}
}

func repoKey(repo github.Repo) string {
	return fmt.Sprintf("%s/%s", repo.Owner.Login, repo.Name)
}

func (s *Server) countWebhook(eventType string) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.WebhookCounter.WithLabelValues(eventType).Inc()
}

func (s *Server) countResponse(code string) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.ResponseCounter.WithLabelValues(code).Inc()
}
