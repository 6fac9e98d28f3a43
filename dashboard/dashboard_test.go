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

package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clarketm/borsbot/board"
	"github.com/clarketm/borsbot/config"
	"github.com/clarketm/borsbot/github"
	"github.com/clarketm/borsbot/processor"
)

func testAgent(t *testing.T) (*Agent, func()) {
	t.Helper()
	cfg := config.RepoConfig{Repo: config.Repo{Owner: "kubernetes", Name: "test-infra"}, AutoBranch: "auto"}
	gh := github.NewFakeClient("borsbot")
	p, err := processor.New(cfg, gh, nil, board.NoopBoard{}, nil, "borsbot")
	if err != nil {
		t.Fatalf("processor.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go p.Start(ctx)

	a := NewAgent(map[string]*processor.EventProcessor{"kubernetes/test-infra": p}, []byte("0123456789abcdef0123456789abcdef"), logrus.NewEntry(logrus.New()))
	return a, cancel
}

func TestHandleSnapshotRendersEmptyQueue(t *testing.T) {
	a, cancel := testAgent(t)
	defer cancel()
	// Give the actor loop a moment to finish its initial synchronize.
	time.Sleep(20 * time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/repos/kubernetes/test-infra", nil)
	w := httptest.NewRecorder()
	a.HandleSnapshot("kubernetes", "test-infra")(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var view queueView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if view.Owner != "kubernetes" || view.Name != "test-infra" {
		t.Errorf("unexpected view %+v", view)
	}
}

func TestHandleSnapshotUnknownRepoIs404(t *testing.T) {
	a, cancel := testAgent(t)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/repos/other/repo", nil)
	w := httptest.NewRecorder()
	a.HandleSnapshot("other", "repo")(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleResyncRequiresAuthedSession(t *testing.T) {
	a, cancel := testAgent(t)
	defer cancel()

	req := httptest.NewRequest(http.MethodPost, "/repos/kubernetes/test-infra/resync", nil)
	w := httptest.NewRecorder()
	a.HandleResync("kubernetes", "test-infra")(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without a session, got %d", w.Code)
	}
}
