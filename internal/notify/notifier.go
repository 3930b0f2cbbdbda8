// Package notify delivers best-block-change notifications to external
// consumers. Delivery is fire-and-forget: failures are logged, never
// propagated, and never delay job distribution.
package notify

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/hashlane/gosp/pkg/log"
)

// cmdTimeout bounds how long an external notify command may run.
const cmdTimeout = 30 * time.Second

// Notifier receives the new best block hash.
type Notifier interface {
	BlockChanged(prevHash string)
	Close() error
}

// Nop is a Notifier that does nothing.
type Nop struct{}

// BlockChanged implements Notifier.
func (Nop) BlockChanged(string) {}

// Close implements Notifier.
func (Nop) Close() error { return nil }

// CmdNotifier runs a configured command on every block change, with %s in
// any argument replaced by the block hash. The template is split into argv
// once at construction and executed directly, never through a shell, so a
// hash (or a malicious template) cannot inject commands.
type CmdNotifier struct {
	argv   []string
	logger *log.Logger
}

// NewCmdNotifier creates a command notifier from a template string such as
// "blocknotify.sh %s". Returns nil when the template is empty.
func NewCmdNotifier(template string, logger *log.Logger) *CmdNotifier {
	argv := strings.Fields(template)
	if len(argv) == 0 {
		return nil
	}
	return &CmdNotifier{
		argv:   argv,
		logger: logger.WithComponent("blocknotify"),
	}
}

// BlockChanged executes the configured command with the hash substituted.
func (n *CmdNotifier) BlockChanged(prevHash string) {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	args := make([]string, len(n.argv)-1)
	for i, a := range n.argv[1:] {
		args[i] = strings.ReplaceAll(a, "%s", prevHash)
	}

	cmd := exec.CommandContext(ctx, n.argv[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		n.logger.WithError(err).Warn("blocknotify command failed",
			"command", n.argv[0],
			"output", string(out),
		)
		return
	}

	n.logger.Debug("blocknotify command executed", "command", n.argv[0], "prev_hash", prevHash)
}

// Close implements Notifier.
func (n *CmdNotifier) Close() error { return nil }

// Multi fans a notification out to several notifiers.
type Multi []Notifier

// BlockChanged implements Notifier.
func (m Multi) BlockChanged(prevHash string) {
	for _, n := range m {
		n.BlockChanged(prevHash)
	}
}

// Close implements Notifier.
func (m Multi) Close() error {
	var lastErr error
	for _, n := range m {
		if err := n.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
