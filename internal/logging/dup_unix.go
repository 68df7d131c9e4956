package logging

import (
	"os"

	"golang.org/x/sys/unix"
)

// dup2Stderr makes f the process's fd 2, mirroring the daemon's
// "dup2(logfd, 2)" startup step.
func dup2Stderr(f *os.File) error {
	return unix.Dup2(int(f.Fd()), 2)
}
