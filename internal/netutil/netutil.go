// Package netutil holds the small pieces of Unix-domain-socket setup shared
// by the daemon (client-facing socket) and the agent (fd-pass socket),
// mirroring the factoring of the original unix_server.c.
package netutil

import (
	"fmt"
	"net"
	"os"
)

// ListenUnix removes any stale socket at path, binds a new Unix stream
// listener there, and chmods it to mode. Callers rely on directory
// permissions for access control, per §6 — the mode only guards against an
// overly strict umask.
func ListenUnix(path string, mode os.FileMode) (*net.UnixListener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket %q: %w", path, err)
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve socket address %q: %w", path, err)
	}

	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %q: %w", path, err)
	}

	if err := os.Chmod(path, mode); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to chmod %q: %w", path, err)
	}

	return l, nil
}

// Symlink replaces any existing file at linkPath with a symlink to target,
// mirroring create_qrexec_socket's "qrexec.<vm-name> -> qrexec.<domid>" link.
func Symlink(target, linkPath string) error {
	if err := os.Remove(linkPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale link %q: %w", linkPath, err)
	}
	if err := os.Symlink(target, linkPath); err != nil {
		return fmt.Errorf("failed to symlink %q -> %q: %w", linkPath, target, err)
	}
	return nil
}
