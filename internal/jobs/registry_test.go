package jobs

import (
	"errors"
	"sync"
	"testing"

	"github.com/hashlane/gosp/internal/stratum"
	"github.com/hashlane/gosp/pkg/log"
)

func testLogger() *log.Logger {
	return log.New("test", "test", "error", "json")
}

// fakeSubscriber records pushes in order.
type fakeSubscriber struct {
	mu     sync.Mutex
	id     string
	jobs   []string
	diffs  []float64
	jobErr error
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) NotifyJob(job *Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobErr != nil {
		return f.jobErr
	}
	f.jobs = append(f.jobs, job.ID())
	return nil
}

func (f *fakeSubscriber) NotifyDifficulty(diff float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diffs = append(f.diffs, diff)
	return nil
}

func (f *fakeSubscriber) jobIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.jobs...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	hashes []string
	fired  chan string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{fired: make(chan string, 16)}
}

func (n *fakeNotifier) BlockChanged(prevHash string) {
	n.mu.Lock()
	n.hashes = append(n.hashes, prevHash)
	n.mu.Unlock()
	n.fired <- prevHash
}

func testJob(id, prevHash string, clean bool) *Job {
	return &Job{Notify: &stratum.NotifyParams{
		JobID:     id,
		PrevHash:  prevHash,
		Coinb1:    "01",
		Coinb2:    "02",
		Version:   "20000000",
		NBits:     "1d00ffff",
		NTime:     "5a54a978",
		CleanJobs: clean,
	}}
}

func testExtranonce() *ExtranonceConfig {
	return &ExtranonceConfig{ExtraNonce1: "08000002", ExtraNonce2Size: 4}
}

func TestAddJobRequiresExtranonce(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	sub := &fakeSubscriber{id: "w1"}
	r.Subscribe(sub)

	r.AddJob(testJob("j1", "aa", true))

	if r.CurrentJobID() != "" {
		t.Error("job stored without extranonce configuration")
	}
	if len(sub.jobIDs()) != 0 {
		t.Error("job broadcast without extranonce configuration")
	}
}

func TestBroadcastOrder(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	r.SetExtranonce(testExtranonce())
	sub := &fakeSubscriber{id: "w1"}
	r.Subscribe(sub)

	ids := []string{"j1", "j2", "j3", "j4"}
	for _, id := range ids {
		r.AddJob(testJob(id, "aa", false))
	}

	got := sub.jobIDs()
	if len(got) != len(ids) {
		t.Fatalf("delivered %d jobs, want %d", len(got), len(ids))
	}
	for i, id := range ids {
		if got[i] != id {
			t.Errorf("job[%d] = %s, want %s (reordered)", i, got[i], id)
		}
	}
	if r.CurrentJobID() != "j4" {
		t.Errorf("CurrentJobID() = %s, want j4", r.CurrentJobID())
	}
}

func TestCleanJobsAdvancesEpoch(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	r.SetExtranonce(testExtranonce())

	r.AddJob(testJob("j1", "aa", true))
	e1 := r.Epoch()
	r.AddJob(testJob("j2", "aa", false))
	if r.Epoch() != e1 {
		t.Error("non-clean job advanced the epoch")
	}
	r.AddJob(testJob("j3", "bb", true))
	if r.Epoch() != e1+1 {
		t.Error("clean job did not advance the epoch")
	}
}

func TestClearDropsState(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	r.SetExtranonce(testExtranonce())
	r.AddJob(testJob("j1", "aa", true))
	before := r.Epoch()

	r.Clear()

	if r.CurrentJobID() != "" {
		t.Error("Clear() left a current job")
	}
	if r.Extranonce() != nil {
		t.Error("Clear() left an extranonce configuration")
	}
	if r.Epoch() == before {
		t.Error("Clear() did not advance the epoch")
	}

	// No broadcast may happen until a fresh handshake reinstalls state
	sub := &fakeSubscriber{id: "w1"}
	r.Subscribe(sub)
	r.AddJob(testJob("j2", "bb", true))
	if len(sub.jobIDs()) != 0 {
		t.Error("job broadcast between disconnect and new handshake")
	}
}

func TestBlockNotifierFiresOnPrevHashChange(t *testing.T) {
	n := newFakeNotifier()
	r := NewRegistry(testLogger(), n)
	r.SetExtranonce(testExtranonce())

	r.AddJob(testJob("j1", "aa", true))
	if got := <-n.fired; got != "aa" {
		t.Errorf("notifier fired with %s, want aa", got)
	}

	// Same prevhash: no notification
	r.AddJob(testJob("j2", "aa", false))

	r.AddJob(testJob("j3", "bb", true))
	if got := <-n.fired; got != "bb" {
		t.Errorf("notifier fired with %s, want bb", got)
	}

	select {
	case h := <-n.fired:
		t.Errorf("unexpected extra notification for %s", h)
	default:
	}
}

func TestLaggingSubscriberDropped(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	r.SetExtranonce(testExtranonce())

	good := &fakeSubscriber{id: "good"}
	bad := &fakeSubscriber{id: "bad", jobErr: errors.New("outbound buffer full")}
	r.Subscribe(good)
	r.Subscribe(bad)

	r.AddJob(testJob("j1", "aa", true))

	if r.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount() = %d, want 1 after dropping laggard", r.SubscriberCount())
	}
	if len(good.jobIDs()) != 1 {
		t.Error("healthy subscriber missed the broadcast")
	}
}

func TestSubscribeReplaysCurrentState(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	r.SetExtranonce(testExtranonce())
	r.SetDifficulty(16)
	r.AddJob(testJob("j1", "aa", true))

	late := &fakeSubscriber{id: "late"}
	r.Subscribe(late)

	if len(late.diffs) != 1 || late.diffs[0] != 16 {
		t.Errorf("late subscriber diffs = %v, want [16]", late.diffs)
	}
	if ids := late.jobIDs(); len(ids) != 1 || ids[0] != "j1" {
		t.Errorf("late subscriber jobs = %v, want [j1]", ids)
	}
}

func TestSetDifficultyBroadcast(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	sub := &fakeSubscriber{id: "w1"}
	r.Subscribe(sub)

	r.SetDifficulty(32)

	if len(sub.diffs) != 1 || sub.diffs[0] != 32 {
		t.Errorf("diffs = %v, want [32]", sub.diffs)
	}
}

func TestNetworkDifficulty(t *testing.T) {
	j := testJob("j1", "aa", true)

	// nbits 1d00ffff is difficulty 1 by definition
	if got := j.NetworkDifficulty(); got < 0.99 || got > 1.01 {
		t.Errorf("NetworkDifficulty() = %f, want ~1.0", got)
	}

	j.Notify.NBits = "zzzz"
	if got := j.NetworkDifficulty(); got != 0 {
		t.Errorf("NetworkDifficulty() with bad nbits = %f, want 0", got)
	}
}

func TestExtranonce2Space(t *testing.T) {
	cfg := &ExtranonceConfig{ExtraNonce2Size: 4}
	if got := cfg.Extranonce2Space(); got != 1<<32 {
		t.Errorf("Extranonce2Space() = %d, want 2^32", got)
	}

	cfg.ExtraNonce2Size = 8
	if got := cfg.Extranonce2Space(); got != 0 {
		t.Errorf("Extranonce2Space() for 8 bytes = %d, want 0 (unbounded)", got)
	}
}
