package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-vmlock/v1/coordinator"
	"github.com/mirkobrombin/go-vmlock/v1/machine"
)

var runLockMode string

var runCmd = &cobra.Command{
	Use:   "run <machine-id> -- <command> [args...]",
	Short: "Run a command while holding the machine lock",
	Long: `run locks the machine, executes the command with VMLOCK_MACHINE set,
and releases the lock when the command exits, on success, failure, or
interrupt.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRun,
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove expired lock sessions (sqlite backend)",
	Args:  cobra.NoArgs,
	RunE:  runReap,
}

func init() {
	runCmd.Flags().StringVar(&runLockMode, "mode", "write", "lock mode: write or shared")
}

func parseMode(s string) (machine.LockMode, error) {
	switch s {
	case "write":
		return machine.LockWrite, nil
	case "shared":
		return machine.LockShared, nil
	}
	return machine.LockNone, fmt.Errorf("unknown lock mode %q", s)
}

func runRun(cmd *cobra.Command, args []string) error {
	mode, err := parseMode(runLockMode)
	if err != nil {
		return err
	}
	d, err := openDeployment()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := coordinator.LockAndApply(ctx, d.backend, args[0], mode, coordinator.MachineOp[int]{
		Desc: strings.Join(args[1:], " "),
		Do: func(ctx context.Context, m machine.Machine) (int, error) {
			c := exec.CommandContext(ctx, args[1], args[2:]...)
			c.Stdin = os.Stdin
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			c.Env = append(os.Environ(), "VMLOCK_MACHINE="+m.ID())
			if err := c.Run(); err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					return exitErr.ExitCode(), nil
				}
				return 0, err
			}
			return 0, nil
		},
	})
	if err != nil {
		return err
	}
	if code != 0 {
		// The lock is already released; propagate the child's exit code.
		os.Exit(code)
	}
	return nil
}

func runReap(cmd *cobra.Command, args []string) error {
	d, err := openDeployment()
	if err != nil {
		return err
	}
	defer d.Close()

	if d.sqlite == nil {
		return fmt.Errorf("reap requires the sqlite backend")
	}
	n, err := d.sqlite.ReapExpired(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("reaped %d expired session(s)\n", n)
	return nil
}
