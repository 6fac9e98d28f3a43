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
	"context"
	"fmt"

	"github.com/pkg/errors"
	githubql "github.com/shurcooL/githubv4"
)

// reviewDecisionQuery backs GetReviewDecision.
type reviewDecisionQuery struct {
	Repository struct {
		PullRequest struct {
			ReviewDecision githubql.String
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

// searchQuery is the paginated GraphQL search used to rebuild the PR
// Table on Synchronize (spec.md §4.6/§7), grounded on tide.go's
// identically named type and search() function.
type searchQuery struct {
	RateLimit struct {
		Cost      githubql.Int
		Remaining githubql.Int
	}
	Search struct {
		PageInfo struct {
			HasNextPage githubql.Boolean
			EndCursor   githubql.String
		}
		Nodes []struct {
			PullRequest queryPullRequest `graphql:"... on PullRequest"`
		}
	} `graphql:"search(type: ISSUE, first: 100, after: $searchCursor, query: $query)"`
}

// queryPullRequest holds the subset of PR data the Synchronizer needs
// to seed a queue.PullRequest: author, head/base refs, mergeability,
// labels and current review decision.
type queryPullRequest struct {
	Number githubql.Int
	Title  githubql.String
	Author struct {
		Login githubql.String
	}
	BaseRefName githubql.String `graphql:"baseRefName"`
	HeadRefName githubql.String `graphql:"headRefName"`
	HeadRefOID  githubql.String `graphql:"headRefOid"`
	IsDraft     githubql.Boolean
	Mergeable   githubql.MergeableState
	ReviewDecision githubql.String
	Repository  struct {
		Name          githubql.String
		NameWithOwner githubql.String
		Owner         struct {
			Login githubql.String
		}
	}
	Labels struct {
		Nodes []struct {
			Name githubql.String
		}
	} `graphql:"labels(first: 100)"`
}

// OpenPullsSearch runs the GraphQL search "repo:owner/name is:pr
// is:open" and returns every open PR, paginating via searchCursor
// exactly as tide.go's search() does. This is the Synchronizer's
// primary source of truth on boot and on a Synchronize request
// (spec.md §4.6).
func (c *Client) OpenPullsSearch(ctx context.Context, owner, name string) ([]queryPullRequest, error) {
	if c.fake {
		return nil, nil
	}
	q := fmt.Sprintf("repo:%s/%s is:pr is:open", owner, name)
	var ret []queryPullRequest
	vars := map[string]interface{}{
		"query":        githubql.String(q),
		"searchCursor": (*githubql.String)(nil),
	}
	var totalCost, remaining int
	for {
		sq := searchQuery{}
		if err := c.gql.Query(ctx, &sq, vars); err != nil {
			return nil, errors.Wrapf(err, "searching %s/%s", owner, name)
		}
		totalCost += int(sq.RateLimit.Cost)
		remaining = int(sq.RateLimit.Remaining)
		for _, n := range sq.Search.Nodes {
			ret = append(ret, n.PullRequest)
		}
		if !sq.Search.PageInfo.HasNextPage {
			break
		}
		vars["searchCursor"] = githubql.NewString(sq.Search.PageInfo.EndCursor)
	}
	c.log.WithFields(map[string]interface{}{
		"org": owner, "repo": name, "cost": totalCost, "remaining": remaining,
	}).Debug("search complete")
	return ret, nil
}

// LabelNames returns the plain label names off a queried PR, for
// deriving squash/priority (spec.md §4.5).
func (pr queryPullRequest) LabelNames() []string {
	names := make([]string, 0, len(pr.Labels.Nodes))
	for _, n := range pr.Labels.Nodes {
		names = append(names, string(n.Name))
	}
	return names
}
