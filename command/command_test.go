package command

import (
	"testing"

	"github.com/clarketm/borsbot/queue"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		botName string
		want    Kind
		wantNil bool
	}{
		{name: "approve mention", body: "@bors r+", botName: "bors", want: KindApprove},
		{name: "approve alias", body: "@bors approve", botName: "bors", want: KindApprove},
		{name: "unapprove", body: "@bors r-", botName: "bors", want: KindUnapprove},
		{name: "priority", body: "@bors p=1", botName: "bors", want: KindPriority},
		{name: "try", body: "@bors try", botName: "bors", want: KindTry},
		{name: "unrelated comment", body: "looks good to me", botName: "bors", wantNil: true},
		{name: "mention with garbage", body: "@bors do a barrel roll", botName: "bors", want: KindInvalid},
		{name: "prefixed command on second line", body: "thanks!\nbors: r+", botName: "bors", wantNil: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.body, tt.botName, "")
			if tt.wantNil {
				if got != nil {
					t.Fatalf("expected nil, got %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("expected a command, got nil")
			}
			if got.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", got.Kind, tt.want)
			}
		})
	}
}

func TestParseWithCommandPrefix(t *testing.T) {
	got := Parse("bors: r+", "bors", "bors:")
	if got == nil || got.Kind != KindApprove {
		t.Fatalf("expected approve via prefix, got %+v", got)
	}
}

func TestApproveEnqueuesFromInReview(t *testing.T) {
	pr := &queue.PullRequest{Number: 1, Status: queue.Status{Kind: queue.StatusInReview}}
	Apply(&Command{Kind: KindApprove}, pr)
	if !pr.Approved {
		t.Error("expected pr.Approved = true")
	}
	if pr.Status.Kind != queue.StatusQueued {
		t.Errorf("expected pr enqueued, got status %v", pr.Status.Kind)
	}
}

func TestUnapproveDemotesTesting(t *testing.T) {
	pr := &queue.PullRequest{Number: 1, Approved: true, Status: queue.Status{Kind: queue.StatusTesting}}
	Apply(&Command{Kind: KindUnapprove}, pr)
	if pr.Approved {
		t.Error("expected pr.Approved = false")
	}
	if pr.Status.Kind != queue.StatusInReview {
		t.Errorf("expected pr demoted, got status %v", pr.Status.Kind)
	}
}

func TestTryMarksCanary(t *testing.T) {
	pr := &queue.PullRequest{Number: 1, Status: queue.Status{Kind: queue.StatusInReview}}
	Apply(&Command{Kind: KindTry}, pr)
	if !pr.CanaryRequested {
		t.Error("expected CanaryRequested = true")
	}
	if pr.Status.Kind != queue.StatusQueued {
		t.Errorf("expected pr queued, got %v", pr.Status.Kind)
	}
}

func TestPingReplies(t *testing.T) {
	pr := &queue.PullRequest{Number: 1}
	if got := Apply(&Command{Kind: KindPing}, pr); got == "" {
		t.Error("expected a reply for ping")
	}
}
