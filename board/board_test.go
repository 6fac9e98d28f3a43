package board

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/clarketm/borsbot/queue"
)

func TestJSONPatchBoardRefreshEmitsOnlyOnChange(t *testing.T) {
	var patches [][]byte
	b := NewJSONPatchBoard(logrus.NewEntry(logrus.New()), func(patch []byte) error {
		patches = append(patches, patch)
		return nil
	})

	table := queue.NewTable()
	pr := &queue.PullRequest{Number: 1, Title: "add widget"}
	table.Put(pr)

	if err := b.Refresh(table); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(patches) != 1 {
		t.Fatalf("expected 1 patch on first refresh, got %d", len(patches))
	}

	if err := b.Refresh(table); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(patches) != 1 {
		t.Fatalf("expected no new patch for unchanged state, got %d total", len(patches))
	}

	queue.Enqueue(pr)
	if err := b.Refresh(table); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(patches) != 2 {
		t.Fatalf("expected a second patch after status change, got %d total", len(patches))
	}
}

func TestNoopBoard(t *testing.T) {
	var b NoopBoard
	if err := b.Refresh(queue.NewTable()); err != nil {
		t.Errorf("Refresh: %v", err)
	}
	if err := b.Remove(1); err != nil {
		t.Errorf("Remove: %v", err)
	}
}
