package notify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashlane/gosp/pkg/log"
)

func testLogger() *log.Logger {
	return log.New("test", "test", "error", "json")
}

func TestNewCmdNotifierEmptyTemplate(t *testing.T) {
	if n := NewCmdNotifier("", testLogger()); n != nil {
		t.Error("NewCmdNotifier(\"\") should return nil")
	}
	if n := NewCmdNotifier("   ", testLogger()); n != nil {
		t.Error("NewCmdNotifier(blank) should return nil")
	}
}

func TestCmdNotifierSubstitutesHash(t *testing.T) {
	dir := t.TempDir()

	n := NewCmdNotifier("touch "+filepath.Join(dir, "%s"), testLogger())
	if n == nil {
		t.Fatal("NewCmdNotifier() returned nil")
	}

	n.BlockChanged("00000000deadbeef")

	if _, err := os.Stat(filepath.Join(dir, "00000000deadbeef")); err != nil {
		t.Errorf("expected substituted file to exist: %v", err)
	}
}

func TestCmdNotifierNoShellInterpretation(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "injected")

	// If the hash were passed through a shell, this would create marker.
	n := NewCmdNotifier("touch "+filepath.Join(dir, "%s"), testLogger())
	n.BlockChanged("x; touch " + marker)

	if _, err := os.Stat(marker); err == nil {
		t.Fatal("shell metacharacters in hash were interpreted")
	}
}

func TestCmdNotifierFailureIsNonFatal(t *testing.T) {
	n := NewCmdNotifier("/nonexistent/command %s", testLogger())

	// Must not panic or propagate anything.
	done := make(chan struct{})
	go func() {
		n.BlockChanged("abcd")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("BlockChanged() hung on a failing command")
	}
}

func TestMultiFansOut(t *testing.T) {
	var calls []string
	a := &recordingNotifier{name: "a", calls: &calls}
	b := &recordingNotifier{name: "b", calls: &calls}

	m := Multi{a, b}
	m.BlockChanged("hash1")

	if len(calls) != 2 || calls[0] != "a:hash1" || calls[1] != "b:hash1" {
		t.Errorf("Multi.BlockChanged() calls = %v", calls)
	}

	if err := m.Close(); err != nil {
		t.Errorf("Multi.Close() error = %v", err)
	}
	if !a.closed || !b.closed {
		t.Error("Multi.Close() did not close all notifiers")
	}
}

type recordingNotifier struct {
	name   string
	calls  *[]string
	closed bool
}

func (r *recordingNotifier) BlockChanged(hash string) {
	*r.calls = append(*r.calls, r.name+":"+hash)
}

func (r *recordingNotifier) Close() error {
	r.closed = true
	return nil
}

func TestCmdNotifierArgvSplit(t *testing.T) {
	n := NewCmdNotifier("notify-send --urgency low block-%s", testLogger())
	if n == nil {
		t.Fatal("NewCmdNotifier() returned nil")
	}
	want := []string{"notify-send", "--urgency", "low", "block-%s"}
	if strings.Join(n.argv, " ") != strings.Join(want, " ") {
		t.Errorf("argv = %v, want %v", n.argv, want)
	}
}
