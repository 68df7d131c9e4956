package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/qubes-os/qrexec/agent"
	"github.com/qubes-os/qrexec/internal/logging"
	"github.com/qubes-os/qrexec/internal/xcmd"
	"github.com/qubes-os/qrexec/vchan"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	Port     uint32
	VchanDir string
}

var rootCmd = &cobra.Command{
	Use:   "qrexec-agent",
	Short: "Spawn requested services inside a VM and pump their stdio to the daemon",
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().Uint32Var(&cmd.Port, "port", 0, "vchan port to attach to (required)")
	rootCmd.Flags().StringVar(&cmd.VchanDir, "vchan-dir", "/var/run/qubes/vchan", "Directory holding the vchan region and wake fifos")
	rootCmd.MarkFlagRequired("port")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	log, _, err := logging.Init(logging.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	ctx := context.Background()
	transport, err := vchan.ClientInit(ctx, vchan.Config{Dir: cmd.VchanDir, Port: cmd.Port})
	if err != nil {
		return fmt.Errorf("failed to attach to vchan transport: %w", err)
	}
	defer transport.Close()

	a, err := agent.New(agent.DefaultConfig(), log, transport)
	if err != nil {
		return fmt.Errorf("failed to initialize agent: %w", err)
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return a.Run(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}
