package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qubes-os/qrexec/daemon/policy"
)

func TestTriggerRejectsServiceTargetNotAllowed(t *testing.T) {
	allow, err := policy.Compile([]policy.Rule{{Pattern: "qubes.Allowed+*"}})
	require.NoError(t, err)

	e := NewTriggerExecutor(allow, "/bin/true", zap.NewNop().Sugar())
	err = e.Trigger(context.Background(), 1, "srcvm", "x", "qubes.Denied", "ident1")
	require.Error(t, err)
}

func TestTriggerRunsAllowedServiceTarget(t *testing.T) {
	allow, err := policy.Compile([]policy.Rule{{Pattern: "*"}})
	require.NoError(t, err)

	e := NewTriggerExecutor(allow, "/bin/true", zap.NewNop().Sugar())
	err = e.Trigger(context.Background(), 1, "srcvm", "x", "qubes.Allowed", "ident1")
	require.NoError(t, err)
}

func TestTriggerPassesFourPositionalArgs(t *testing.T) {
	allow, err := policy.Compile([]policy.Rule{{Pattern: "*"}})
	require.NoError(t, err)

	dir := t.TempDir()
	argvFile := filepath.Join(dir, "argv")
	script := filepath.Join(dir, "record-argv.sh")
	require.NoError(t, os.WriteFile(script, []byte(fmt.Sprintf("#!/bin/sh\necho \"$1|$2|$3|$4\" > %q\n", argvFile)), 0o755))

	e := NewTriggerExecutor(allow, script, zap.NewNop().Sugar())
	require.NoError(t, e.Trigger(context.Background(), 1, "srcvm", "targetvm", "qubes.Allowed", "ident1"))

	got, err := os.ReadFile(argvFile)
	require.NoError(t, err)
	require.Equal(t, "srcvm|targetvm|qubes.Allowed|ident1\n", string(got))
}

func TestTriggerDeniedByHelperExitStatus(t *testing.T) {
	allow, err := policy.Compile([]policy.Rule{{Pattern: "*"}})
	require.NoError(t, err)

	e := NewTriggerExecutor(allow, "/bin/false", zap.NewNop().Sugar())
	err = e.Trigger(context.Background(), 1, "srcvm", "x", "qubes.Allowed", "ident1")
	require.Error(t, err)
}

func TestTriggerEnforcesMaxChildren(t *testing.T) {
	allow, err := policy.Compile([]policy.Rule{{Pattern: "*"}})
	require.NoError(t, err)

	dir := t.TempDir()
	script := filepath.Join(dir, "sleep-a-bit.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 0.2\n"), 0o755))

	e := NewTriggerExecutor(allow, script, zap.NewNop().Sugar())

	var wg sync.WaitGroup
	started := make(chan struct{}, MaxChildren)
	for i := 0; i < MaxChildren; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started <- struct{}{}
			require.NoError(t, e.Trigger(context.Background(), ClientID(i), "srcvm", "x", "qubes.Allowed", "ident1"))
		}(i)
	}
	for i := 0; i < MaxChildren; i++ {
		<-started
	}

	require.Eventually(t, func() bool { return e.Running() == MaxChildren }, time.Second, time.Millisecond)

	err = e.Trigger(context.Background(), ClientID(MaxChildren), "srcvm", "x", "qubes.Allowed", "ident1")
	require.ErrorIs(t, err, errTooManyChildren)

	wg.Wait()
}
