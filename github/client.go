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

// Package github implements the forge client contract (spec.md §6.2): a
// thin REST+GraphQL client (REST calls are retried, GraphQL queries are
// not) plus a dry-run mode for tests and
// a fake mode for the queue/command unit tests that don't want a live
// forge at all.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	githubql "github.com/shurcooL/githubv4"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	maxRetries       = 8
	retryDelay       = 2 * time.Second
	defaultAPIBase   = "https://api.github.com"
	defaultV4APIBase = "https://api.github.com/graphql"
)

// Client is the forge client. It is internally thread-safe and meant to
// be shared read-only across every repo's Event Processor (spec.md §5
// "Shared resources").
type Client struct {
	log     *logrus.Entry
	http    *http.Client
	gql     *githubql.Client
	base    string
	limiter *rate.Limiter

	dry  bool
	fake bool

	botName string
}

// NewClient builds a live Client authenticated with token.
func NewClient(token, endpoint, botName string) *Client {
	if endpoint == "" {
		endpoint = defaultAPIBase
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	hc := oauth2.NewClient(context.Background(), ts)
	hc.Timeout = 30 * time.Second
	return &Client{
		log:     logrus.WithField("client", "github"),
		http:    hc,
		gql:     githubql.NewClient(hc),
		base:    endpoint,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		botName: botName,
	}
}

// NewDryRunClient builds a Client that logs every mutating call instead
// of issuing it, used when cmd/borsbot runs with --dry-run.
func NewDryRunClient(token, endpoint, botName string) *Client {
	c := NewClient(token, endpoint, botName)
	c.dry = true
	return c
}

// NewFakeClient builds a Client that performs no I/O at all; the
// processor, dashboard and repoowners tests use it in place of a live
// forge.
func NewFakeClient(botName string) *Client {
	return &Client{
		log:     logrus.WithField("client", "github-fake"),
		fake:    true,
		botName: botName,
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
}

// BotName returns the account this client authenticates as.
func (c *Client) BotName() string { return c.botName }

func (c *Client) request(ctx context.Context, method, path string, body, dest interface{}) error {
	if c.fake {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "waiting for rate limiter")
	}
	if c.dry && method != http.MethodGet {
		c.log.WithFields(logrus.Fields{"method": method, "path": path}).Info("dry-run: skipping forge call")
		return nil
	}

	var bodyReader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshaling request body")
		}
		bodyReader = bytes.NewReader(b)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(bodyReader.Bytes()))
		if err != nil {
			return errors.Wrap(err, "building request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/vnd.github.v3+json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.log.WithError(err).WithField("attempt", attempt).Warn("forge request failed, retrying")
			time.Sleep(retryDelay)
			continue
		}

		respBody, readErr := ioutil.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if dest != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, dest); err != nil {
					return errors.Wrap(err, "decoding response body")
				}
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return errors.Errorf("404 from %s %s", method, path)
		case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
			lastErr = errors.Errorf("rate limited: %d from %s %s", resp.StatusCode, method, path)
			time.Sleep(retryDelay)
			continue
		case resp.StatusCode >= 500:
			lastErr = errors.Errorf("server error: %d from %s %s", resp.StatusCode, method, path)
			time.Sleep(retryDelay)
			continue
		default:
			return errors.Errorf("unexpected status %d from %s %s: %s", resp.StatusCode, method, path, string(respBody))
		}
	}
	return errors.Wrapf(lastErr, "exhausted %d retries", maxRetries)
}

// GetRef resolves ref (e.g. "heads/master") to its current commit SHA,
// used by the Command Handler's OWNERS cache to decide whether a
// cloned tree is stale (SPEC_FULL.md's repoowners adaptation).
func (c *Client) GetRef(ctx context.Context, owner, name, ref string) (string, error) {
	if c.fake {
		return "", nil
	}
	var dest struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	path := fmt.Sprintf("/repos/%s/%s/git/ref/%s", owner, name, ref)
	if err := c.request(ctx, http.MethodGet, path, nil, &dest); err != nil {
		return "", errors.Wrapf(err, "resolving ref %s", ref)
	}
	return dest.Object.SHA, nil
}

// ListCollaborators lists the accounts with push access to owner/name,
// used to filter OWNERS entries down to people who can actually act on
// the repo (SPEC_FULL.md's repoowners adaptation).
func (c *Client) ListCollaborators(ctx context.Context, owner, name string) ([]User, error) {
	if c.fake {
		return nil, nil
	}
	var out []User
	page := 1
	for {
		var batch []User
		path := fmt.Sprintf("/repos/%s/%s/collaborators?per_page=100&page=%d", owner, name, page)
		if err := c.request(ctx, http.MethodGet, path, nil, &batch); err != nil {
			return nil, errors.Wrap(err, "listing collaborators")
		}
		out = append(out, batch...)
		if len(batch) < 100 {
			break
		}
		page++
	}
	return out, nil
}

// GetReviewDecision reports whether number currently has an approving
// review decision and no outstanding changes-requested review (spec.md
// §6.2 get_review_decision; §4.2 race-reconciliation rule callers
// re-invoke this after a 300ms wait).
func (c *Client) GetReviewDecision(ctx context.Context, owner, name string, number int) (bool, error) {
	if c.fake {
		return false, nil
	}
	var q reviewDecisionQuery
	vars := map[string]interface{}{
		"owner":  githubql.String(owner),
		"name":   githubql.String(name),
		"number": githubql.Int(number),
	}
	if err := c.gql.Query(ctx, &q, vars); err != nil {
		return false, errors.Wrap(err, "querying review decision")
	}
	return q.Repository.PullRequest.ReviewDecision == "APPROVED", nil
}

// CreateComment posts body as a new comment on number (spec.md §6.2
// create_comment).
func (c *Client) CreateComment(ctx context.Context, owner, name string, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, name, number)
	return c.request(ctx, http.MethodPost, path, map[string]string{"body": body}, nil)
}

// AddReaction reacts to a comment/review with kind (spec.md §6.2
// add_reaction).
func (c *Client) AddReaction(ctx context.Context, owner, name string, commentID int64, kind ReactionType) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d/reactions", owner, name, commentID)
	return c.request(ctx, http.MethodPost, path, map[string]string{"content": string(kind)}, nil)
}

// GetLabel fetches label if it exists on owner/name.
func (c *Client) GetLabel(ctx context.Context, owner, name, label string) (*Label, error) {
	var l Label
	path := fmt.Sprintf("/repos/%s/%s/labels/%s", owner, name, label)
	if err := c.request(ctx, http.MethodGet, path, nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateLabel creates label with color on owner/name (spec.md §6.2
// create_label), used by Synchronize to ensure the three managed
// labels exist (spec.md §7 step 3).
func (c *Client) CreateLabel(ctx context.Context, owner, name, label, color, description string) error {
	path := fmt.Sprintf("/repos/%s/%s/labels", owner, name)
	body := map[string]string{"name": label, "color": color, "description": description}
	return c.request(ctx, http.MethodPost, path, body, nil)
}

// UpdateBranch fast-forwards ref to sha (spec.md §6.2 update_branch),
// used by Step 3.2's real merge. Returns a typed error the Merge Queue
// can branch on (github.ModifiedHeadError etc.) when the forge rejects
// the update.
func (c *Client) UpdateBranch(ctx context.Context, owner, name, ref, sha string, force bool) error {
	path := fmt.Sprintf("/repos/%s/%s/git/refs/%s", owner, name, ref)
	body := map[string]interface{}{"sha": sha, "force": force}
	err := c.request(ctx, http.MethodPatch, path, body, nil)
	if err == nil {
		return nil
	}
	return classifyMergeError(err)
}

// classifyMergeError turns an opaque forge error into one of the typed
// merge errors tide.mergePRs branches on, so the Merge Queue can decide
// retry vs. demote-to-InReview without string matching in the hot path.
func classifyMergeError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Update is not a fast forward"):
		return ModifiedHeadError(msg)
	case strings.Contains(msg, "not mergeable"):
		return UnmergablePRError(msg)
	case strings.Contains(msg, "403"):
		return UnauthorizedToPushError(msg)
	default:
		return err
	}
}
