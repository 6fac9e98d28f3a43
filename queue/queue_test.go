package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/sirupsen/logrus"

	"github.com/clarketm/borsbot/config"
)

type fakeBuilder struct {
	oid string
	err error
}

func (b fakeBuilder) Prepare(ctx context.Context, pr *PullRequest, baseRef string) (string, error) {
	return b.oid, b.err
}

type fakeMerger struct {
	err    error
	merged *bool
}

func (m fakeMerger) Merge(ctx context.Context, baseRef, mergeOID string) error {
	if m.merged != nil {
		*m.merged = true
	}
	return m.err
}

type fakeCommenter struct {
	comments []string
}

func (c *fakeCommenter) Comment(ctx context.Context, number int, body string) error {
	c.comments = append(c.comments, body)
	return nil
}

func testConfig() config.RepoConfig {
	return config.RepoConfig{
		RequireReview: true,
		Timeout:       time.Hour,
		Checks: config.ChecksConfig{
			"ci": {Name: "continuous-integration"},
		},
	}
}

func TestTickSelectsHighestPriorityThenFIFO(t *testing.T) {
	table := NewTable()
	low := &PullRequest{Number: 1, Approved: true, BaseRef: "master"}
	Enqueue(low)
	low.Status.QueuedAt = time.Now().Add(-time.Minute)
	table.Put(low)

	high := &PullRequest{Number: 2, Approved: true, BaseRef: "master", Priority: 1}
	Enqueue(high)
	high.Status.QueuedAt = time.Now()
	table.Put(high)

	q := New(logrus.NewEntry(logrus.New()))
	commenter := &fakeCommenter{}
	q.Tick(context.Background(), table, testConfig(), fakeBuilder{oid: "deadbeef"}, fakeMerger{}, commenter)

	if q.InFlightNumber() != high.Number {
		t.Fatalf("expected PR %d selected (higher priority), got %d", high.Number, q.InFlightNumber())
	}
	if table.Get(high.Number).Status.Kind != StatusTesting {
		t.Errorf("expected PR %d status Testing, got %v", high.Number, table.Get(high.Number).Status.Kind)
	}
}

func TestTickSkipsUnapprovedWhenReviewRequired(t *testing.T) {
	table := NewTable()
	pr := &PullRequest{Number: 1, Approved: false, BaseRef: "master"}
	Enqueue(pr)
	table.Put(pr)

	q := New(logrus.NewEntry(logrus.New()))
	q.Tick(context.Background(), table, testConfig(), fakeBuilder{oid: "deadbeef"}, fakeMerger{}, &fakeCommenter{})

	if q.InFlightNumber() != 0 {
		t.Fatalf("expected no candidate selected, got %d", q.InFlightNumber())
	}
}

func TestTickMergesWhenAllChecksGreen(t *testing.T) {
	table := NewTable()
	pr := &PullRequest{Number: 1, Approved: true, BaseRef: "master"}
	pr.Status = Status{
		Kind:      StatusTesting,
		MergeOID:  "deadbeef",
		StartedAt: time.Now(),
		Results: []BuildResult{
			{CheckName: "continuous-integration", Conclusion: ConclusionSuccess},
		},
	}
	table.Put(pr)

	q := New(logrus.NewEntry(logrus.New()))
	q.inFlight = &InFlight{Number: 1, Deadline: time.Now().Add(time.Hour)}

	merged := false
	merger := fakeMerger{merged: &merged}
	q.Tick(context.Background(), table, testConfig(), fakeBuilder{}, merger, &fakeCommenter{})

	if !merged {
		t.Error("expected the candidate to be merged")
	}
	if q.InFlightNumber() != 0 {
		t.Errorf("expected in-flight cleared after merge, got %d", q.InFlightNumber())
	}
}

func TestTickFailsCandidateOnRedCheck(t *testing.T) {
	table := NewTable()
	pr := &PullRequest{Number: 1, Approved: true, BaseRef: "master"}
	pr.Status = Status{
		Kind:      StatusTesting,
		MergeOID:  "deadbeef",
		StartedAt: time.Now(),
		Results: []BuildResult{
			{CheckName: "continuous-integration", Conclusion: ConclusionFailure, URL: "http://ci/1"},
		},
	}
	table.Put(pr)

	q := New(logrus.NewEntry(logrus.New()))
	q.inFlight = &InFlight{Number: 1, Deadline: time.Now().Add(time.Hour)}
	commenter := &fakeCommenter{}
	q.Tick(context.Background(), table, testConfig(), fakeBuilder{}, fakeMerger{}, commenter)

	if q.InFlightNumber() != 0 {
		t.Errorf("expected in-flight cleared after failure, got %d", q.InFlightNumber())
	}
	if table.Get(1).Status.Kind != StatusInReview {
		t.Errorf("expected PR demoted to InReview, got %v", table.Get(1).Status.Kind)
	}
	if len(commenter.comments) != 1 {
		t.Errorf("expected one failure comment, got %d", len(commenter.comments))
	}
}

func TestTickTimesOutStaleCandidate(t *testing.T) {
	table := NewTable()
	pr := &PullRequest{Number: 1, Approved: true, BaseRef: "master"}
	pr.Status = Status{Kind: StatusTesting, MergeOID: "deadbeef", StartedAt: time.Now().Add(-2 * time.Hour)}
	table.Put(pr)

	q := New(logrus.NewEntry(logrus.New()))
	q.inFlight = &InFlight{Number: 1, Deadline: time.Now().Add(-time.Minute)}
	q.Tick(context.Background(), table, testConfig(), fakeBuilder{}, fakeMerger{}, &fakeCommenter{})

	if table.Get(1).Status.Kind != StatusInReview {
		t.Errorf("expected timed-out PR demoted to InReview, got %v", table.Get(1).Status.Kind)
	}
}

func TestTickDemotesOnConflictAndTriesNext(t *testing.T) {
	table := NewTable()
	conflicted := &PullRequest{Number: 1, Approved: true, BaseRef: "master", Priority: 1}
	Enqueue(conflicted)
	table.Put(conflicted)

	next := &PullRequest{Number: 2, Approved: true, BaseRef: "master"}
	Enqueue(next)
	table.Put(next)

	q := New(logrus.NewEntry(logrus.New()))
	builder := conflictOnceBuilder{conflictNumber: 1, oid: "cafebabe"}
	q.Tick(context.Background(), table, testConfig(), &builder, fakeMerger{}, &fakeCommenter{})

	if table.Get(1).Status.Kind != StatusInReview {
		t.Errorf("expected conflicted PR demoted, got %v", table.Get(1).Status.Kind)
	}
	if q.InFlightNumber() != 2 {
		t.Errorf("expected PR 2 selected after PR 1 conflicted, got %d", q.InFlightNumber())
	}
}

// TestTableCloneIsDeepCopy asserts Clone produces a value-equal but
// independent copy: mutating the original's labels/results afterward
// must not be visible through the clone, which is the property
// GetStateSnapshot readers rely on to avoid racing the owning actor.
func TestTableCloneIsDeepCopy(t *testing.T) {
	table := NewTable()
	pr := &PullRequest{
		Number: 1,
		Title:  "fix thing",
		Labels: map[string]struct{}{"lgtm": {}},
		Status: Status{
			Kind:     StatusTesting,
			MergeOID: "deadbeef",
			Results: []BuildResult{
				{CheckName: "ci", Conclusion: ConclusionSuccess},
			},
		},
	}
	table.Put(pr)

	clone := table.Clone()

	sortPRs := cmpopts.SortSlices(func(a, b *PullRequest) bool { return a.Number < b.Number })
	if diff := cmp.Diff(table.All(), clone.All(), sortPRs); diff != "" {
		t.Fatalf("clone should be value-equal to original before mutation (-original +clone):\n%s", diff)
	}

	pr.SetLabel("hold")
	pr.Status.Results = append(pr.Status.Results, BuildResult{CheckName: "extra", Conclusion: ConclusionFailure})

	clonedPR := clone.Get(1)
	if clonedPR.HasLabel("hold") {
		t.Error("mutating the original's labels leaked into the clone")
	}
	if len(clonedPR.Status.Results) != 1 {
		t.Errorf("mutating the original's results leaked into the clone, got %d results", len(clonedPR.Status.Results))
	}
}

type conflictOnceBuilder struct {
	conflictNumber int
	oid            string
}

func (b *conflictOnceBuilder) Prepare(ctx context.Context, pr *PullRequest, baseRef string) (string, error) {
	if pr.Number == b.conflictNumber {
		return "", Conflict("merge conflict")
	}
	return b.oid, nil
}
