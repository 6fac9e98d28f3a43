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

package repoowners

import (
	"context"

	"github.com/clarketm/borsbot/command"
)

// Authorizer adapts Client to command.Authorizer (spec.md §4.4): merge
// authority (r+/r-/retry/cancel/p=) is limited to root approvers, the
// lower-stakes `try` canary is open to any root reviewer, and
// `ping`/`help` are open to anyone.
type Authorizer struct {
	owners *Client
}

// NewAuthorizer wraps an owners Client for use as a command.Authorizer.
func NewAuthorizer(owners *Client) *Authorizer {
	return &Authorizer{owners: owners}
}

func (a *Authorizer) IsAuthorized(ctx context.Context, owner, repo, sender string, kind command.Kind) (bool, error) {
	switch kind {
	case command.KindPing, command.KindHelp:
		return true, nil
	}

	o, err := a.owners.Load(ctx, owner, repo)
	if err != nil {
		return false, err
	}

	switch kind {
	case command.KindTry:
		return o.IsReviewer(sender), nil
	default:
		return o.IsApprover(sender), nil
	}
}
