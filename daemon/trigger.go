package daemon

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/qubes-os/qrexec/daemon/policy"
	"github.com/qubes-os/qrexec/protocol"
)

// MaxChildren bounds how many policy-forked helper processes (qrexec-policy-exec
// or a custom RPC dispatcher) the daemon will run concurrently, matching
// qrexec_daemon.c's MAX_CHILDREN. Once at the limit, further trigger
// requests are rejected rather than queued, so a runaway caller cannot
// turn one compromised client into unbounded fork pressure.
const MaxChildren = 10

// TriggerExecutor rate-limits and sanitizes the daemon's
// TRIGGER_CONNECT_EXISTING handling: reattaching to an already-running
// service instance named by a caller on the trigger pipe (spec §5).
type TriggerExecutor struct {
	mu       sync.Mutex
	running  int
	policy   *policy.List
	execPath string
	log      *zap.SugaredLogger
}

// NewTriggerExecutor returns an executor that allows "service+target"
// keys matching allowList and runs execPath (typically a qrexec-policy-exec-alike
// helper) to resolve and launch them.
func NewTriggerExecutor(allowList *policy.List, execPath string, log *zap.SugaredLogger) *TriggerExecutor {
	return &TriggerExecutor{policy: allowList, execPath: execPath, log: log}
}

// errTooManyChildren is returned when MaxChildren concurrent helper
// processes are already running.
var errTooManyChildren = fmt.Errorf("daemon: too many concurrent trigger children (max %d)", MaxChildren)

// Trigger sanitizes targetVM, service, and ident, checks "service+target"
// against the glob allow-list, and — if it passes both that pre-check and
// the concurrency cap — execs the policy helper with the same four
// positional arguments as the original's
// execl(qrexec_policy, remote_domain_name, target_vmname, exec_index, ident)
// (qrexec_daemon.c, handle_execute_predefined_command). It blocks until the
// helper exits: the glob allow-list only screens requests that are
// obviously disallowed, the helper process is the actual policy decision,
// so its exit status has to gate whether the caller proceeds rather than
// just getting logged after the fact.
func (e *TriggerExecutor) Trigger(ctx context.Context, clientID ClientID, sourceDomain, targetVM, service, ident string) error {
	targetVM = protocol.Sanitize(targetVM)
	service = protocol.Sanitize(service)
	ident = protocol.Sanitize(ident)

	policyKey := service + "+" + targetVM
	if !e.policy.Allowed(policyKey) {
		return fmt.Errorf("daemon: trigger %q rejected by policy", policyKey)
	}

	e.mu.Lock()
	if e.running >= MaxChildren {
		e.mu.Unlock()
		return errTooManyChildren
	}
	e.running++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}()

	cmd := exec.CommandContext(ctx, e.execPath, sourceDomain, targetVM, service, ident)
	if err := cmd.Run(); err != nil {
		e.log.Infow("trigger helper denied request", "client_id", clientID, "target_vm", targetVM, "service", service, "error", err)
		return fmt.Errorf("daemon: trigger helper denied %q: %w", policyKey, err)
	}

	return nil
}

// Running reports how many trigger helpers are currently active.
func (e *TriggerExecutor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}
