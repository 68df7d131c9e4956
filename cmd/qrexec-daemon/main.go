package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/qubes-os/qrexec/daemon"
	"github.com/qubes-os/qrexec/daemon/policy"
	"github.com/qubes-os/qrexec/internal/logging"
	"github.com/qubes-os/qrexec/internal/xcmd"
	"github.com/qubes-os/qrexec/vchan"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	DomainID   uint32
	DomainName string
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "qrexec-daemon",
	Short: "Broker qrexec requests between local clients and a VM's agent",
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
	rootCmd.Flags().Uint32Var(&cmd.DomainID, "domid", 0, "Target domain id (required)")
	rootCmd.Flags().StringVar(&cmd.DomainName, "domain-name", "", "Target domain name, used for the qrexec.<name> symlink")
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
	rootCmd.MarkFlagRequired("domid")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg := daemon.DefaultConfig()
	if cmd.ConfigPath != "" {
		loaded, err := daemon.LoadConfig(cmd.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	cfg.DomainID = cmd.DomainID
	cfg.DomainName = cmd.DomainName

	logPath := fmt.Sprintf("%s/qrexec.%d.log", cfg.LogDir, cfg.DomainID)
	log, _, err := logging.InitFile(cfg.Logging, logPath)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	allowList, err := policy.Compile(cfg.Rules)
	if err != nil {
		return fmt.Errorf("failed to compile policy: %w", err)
	}
	triggers := daemon.NewTriggerExecutor(allowList, cfg.PolicyExecPath, log)

	ctx := context.Background()
	transport, err := vchan.ServerInit(vchan.Config{Dir: cfg.VchanDir, Port: cfg.DomainID})
	if err != nil {
		return fmt.Errorf("failed to initialize vchan transport: %w", err)
	}

	d, err := daemon.New(cfg, log, transport, triggers)
	if err != nil {
		transport.Close()
		transport.Cleanup()
		return fmt.Errorf("failed to initialize daemon: %w", err)
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return d.Run(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	runErr := wg.Wait()

	var shutdownErr *multierror.Error
	shutdownErr = multierror.Append(shutdownErr, transport.Close())
	transport.Cleanup()

	if runErr != nil {
		return runErr
	}
	return shutdownErr.ErrorOrNil()
}
