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
	"testing"
	"time"

	"github.com/clarketm/borsbot/github"
)

func TestShouldReactDedupsWithinTTL(t *testing.T) {
	p := testProcessor(t, allowAuthorizer{})

	if !p.shouldReact(42) {
		t.Fatal("expected the first reaction to a comment to be allowed")
	}
	if p.shouldReact(42) {
		t.Error("expected a redelivered webhook for the same comment to be deduped")
	}
	if !p.shouldReact(43) {
		t.Error("expected a different comment to react independently")
	}
}

func TestShouldReactSweepsExpiredEntries(t *testing.T) {
	p := testProcessor(t, allowAuthorizer{})
	p.reactedComments[42] = time.Now().Add(-github.ReactionTTL - time.Minute)

	if !p.shouldReact(42) {
		t.Error("expected an expired dedup entry to be swept and allow reacting again")
	}
}
