// Command qrexec-client is the local program a caller (typically dom0
// tooling) runs to invoke a qrexec service in a target VM, or to
// reattach to one already running. Grounded in original_source
// qrexec/qrexec_client.c.
package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/qubes-os/qrexec/internal/xcmd"
	"github.com/qubes-os/qrexec/protocol"
)

var cmd Cmd

// Cmd is the command line arguments, matching qrexec_client.c's -d/-l/-e/-c.
type Cmd struct {
	// Domain is the target domain's socket identity, e.g. a domid.
	Domain string
	// LocalProgram, if set, is run locally with its stdio wired to the
	// remote service instead of this process's own stdio (-l).
	LocalProgram string
	// JustExec, if set, requests JUST_EXEC instead of EXEC_CMDLINE: the
	// service is started but its stdio/exit-code are not forwarded back
	// (-e).
	JustExec bool
	// ConnectExisting, if set, requests CONNECT_EXISTING instead of
	// starting a new service (-c).
	ConnectExisting bool
	// SocketDir holds the qrexec.<domain> sockets maintained by
	// qrexec-daemon.
	SocketDir string
	// VMLocal, if set, runs in qrexec-client-vm mode (-v): instead of
	// dialing a daemon socket, the service argument is relayed to the
	// local agent's trigger pipe as a TRIGGER_CONNECT_EXISTING request,
	// for a VM-local caller asking its own agent to reach a service
	// hosted elsewhere rather than spawning one here.
	VMLocal bool
	// TargetVM names the domain the triggered service should run in,
	// used only with -v.
	TargetVM string
	// TriggerPipe is the agent's trigger pipe FIFO, used only with -v.
	TriggerPipe string
	// Ident is the fd-pass triple ("id1 id2 id3") identifying which
	// already-registered descriptors the triggered CONNECT_EXISTING
	// should reattach to, used only with -v. Obtaining those ids is a
	// separate step against the agent's fd-pass socket, outside this
	// flag's scope.
	Ident string
}

var rootCmd = &cobra.Command{
	Use:   "qrexec-client <service-or-cmdline>",
	Short: "Invoke a qrexec service in another domain",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		code, err := run(cmd, args[0])
		if err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "qrexec-client: %v\n", err)
			os.Exit(126)
		}
		os.Exit(int(code))
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.Domain, "domain", "d", "", "Target domain (required)")
	rootCmd.Flags().StringVarP(&cmd.LocalProgram, "local", "l", "", "Run this local program instead of the caller's stdio")
	rootCmd.Flags().BoolVarP(&cmd.JustExec, "just-exec", "e", false, "Start the service without waiting for its result")
	rootCmd.Flags().BoolVarP(&cmd.ConnectExisting, "connect-existing", "c", false, "Reattach to an already-running service instance")
	rootCmd.Flags().StringVar(&cmd.SocketDir, "socket-dir", "/var/run/qubes", "Directory holding qrexec-daemon's client sockets")
	rootCmd.Flags().BoolVarP(&cmd.VMLocal, "vm-local", "v", false, "Run as qrexec-client-vm: ask the local agent to reach an existing service instead of the daemon")
	rootCmd.Flags().StringVar(&cmd.TargetVM, "target-vm", "", "Target domain for -v's trigger request")
	rootCmd.Flags().StringVar(&cmd.TriggerPipe, "trigger-pipe", "/var/run/qubes/qrexec_agent", "Agent trigger pipe FIFO, used only with -v")
	rootCmd.Flags().StringVar(&cmd.Ident, "ident", "", "Fd-pass triple (\"id1 id2 id3\") to reattach to, used only with -v")
	rootCmd.MarkFlagsOneRequired("domain", "vm-local")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "qrexec-client: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd, serviceOrCmdline string) (int32, error) {
	if cmd.VMLocal {
		return 0, runVMLocal(cmd, serviceOrCmdline)
	}

	socketPath := fmt.Sprintf("%s/qrexec.%s", cmd.SocketDir, cmd.Domain)
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return 0, fmt.Errorf("connecting to daemon socket %q: %w", socketPath, err)
	}
	defer conn.Close()

	msgType := protocol.MsgExecCmdline
	switch {
	case cmd.ConnectExisting:
		msgType = protocol.MsgConnectExisting
	case cmd.JustExec:
		msgType = protocol.MsgJustExec
	}

	if err := protocol.WriteClientFrame(conn, msgType, []byte(serviceOrCmdline)); err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}

	if cmd.JustExec {
		return 0, nil
	}

	var g errgroup.Group

	var localIn io.Reader = os.Stdin
	var localOut io.Writer = os.Stdout
	var localErr io.Writer = os.Stderr

	if cmd.LocalProgram != "" {
		in, out, errW, waitFn, err := spawnLocal(cmd.LocalProgram)
		if err != nil {
			return 0, err
		}
		defer waitFn()
		localIn, localOut, localErr = in, out, errW
	}

	exitCode := make(chan int32, 1)

	g.Go(func() error {
		_, err := io.Copy(conn, localIn)
		// Once the request header has gone over the wire, this socket
		// carries raw, unframed bytes in both directions (spec §2/§4.2);
		// EOF is a half-close, not a message.
		if uc, ok := conn.(*net.UnixConn); ok {
			_ = uc.CloseWrite()
		}
		return err
	})
	g.Go(func() error {
		return pumpFromDaemon(conn, localOut, localErr, exitCode)
	})

	err = g.Wait()
	select {
	case code := <-exitCode:
		return code, nil
	default:
	}
	if err != nil && err != io.EOF {
		return 0, err
	}
	return 0, nil
}

// runVMLocal implements qrexec-client-vm's reduced role (-v): it never
// talks to a daemon socket, never spawns a local process, and never waits
// for a result. It hands the request to the local agent's trigger pipe as
// a TRIGGER_CONNECT_EXISTING record and returns, leaving the agent to
// relay it up to the daemon over the vchan transport.
func runVMLocal(cmd Cmd, service string) error {
	rec := protocol.TriggerRecord{Service: service, TargetVM: cmd.TargetVM, Ident: cmd.Ident}.Sanitized()

	f, err := os.OpenFile(cmd.TriggerPipe, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening agent trigger pipe %q: %w", cmd.TriggerPipe, err)
	}
	defer f.Close()

	if _, err := f.Write(rec.MarshalBinary()); err != nil {
		return fmt.Errorf("writing trigger record: %w", err)
	}
	return nil
}

// pumpFromDaemon reads framed STDOUT/STDERR/EXIT_CODE messages from the
// daemon until it disconnects, writing payloads to the matching local
// stream and delivering the exit status once seen.
func pumpFromDaemon(conn net.Conn, stdout, stderr io.Writer, exitCode chan<- int32) error {
	for {
		hdr, err := protocol.ReadClientHeader(conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		payload := make([]byte, hdr.Length)
		if hdr.Length > 0 {
			if _, err := io.ReadFull(conn, payload); err != nil {
				return err
			}
		}

		switch hdr.Type {
		case protocol.MsgStdout:
			if _, err := stdout.Write(payload); err != nil {
				return err
			}
		case protocol.MsgStderr:
			if _, err := stderr.Write(payload); err != nil {
				return err
			}
		case protocol.MsgExitCode:
			// This is the boundary where a file-copy service's result
			// header (CRC plus errno) would reach the caller; file-copy is
			// not implemented here, so only the 4-byte status is read.
			var status int32
			if len(payload) >= 4 {
				status = int32(payload[0]) | int32(payload[1])<<8 | int32(payload[2])<<16 | int32(payload[3])<<24
			}
			exitCode <- status
			return nil
		}
	}
}

// spawnLocal starts program with its stdio wired to pipes this process
// will pump to/from the daemon connection, for the -l flag: the local
// program's stdout feeds the daemon's INPUT stream, and the daemon's
// STDOUT/STDERR feed the local program's stdin/(inherited) stderr.
func spawnLocal(program string) (io.Reader, io.Writer, io.Writer, func(), error) {
	c := exec.Command("/bin/sh", "-c", program)
	c.Stderr = os.Stderr

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("local program stdin pipe: %w", err)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("local program stdout pipe: %w", err)
	}
	if err := c.Start(); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("starting local program %q: %w", program, err)
	}

	wait := func() { c.Wait() }
	return stdout, stdin, os.Stderr, wait, nil
}
