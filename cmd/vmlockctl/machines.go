package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-vmlock/v1/coordinator"
	"github.com/mirkobrombin/go-vmlock/v1/machine"
)

var registerName string

var registerCmd = &cobra.Command{
	Use:   "register <machine-id>",
	Short: "Add a machine to the registry",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegister,
}

var unregisterCmd = &cobra.Command{
	Use:   "unregister <machine-id>",
	Short: "Remove a machine from the registry",
	Long:  `unregister removes a machine. It fails while any live session holds it.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runUnregister,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered machines and their lock state",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status <machine-id>",
	Short: "Show the lock state of one machine",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var forceUnlockCmd = &cobra.Command{
	Use:     "force-unlock <machine-id>",
	Aliases: []string{"unlock"},
	Short:   "Revoke every session holding a machine",
	Long: `force-unlock drops all lock sessions on the machine regardless of
owner. Use it to free a machine whose holder died without a session TTL.`,
	Args: cobra.ExactArgs(1),
	RunE: runForceUnlock,
}

func init() {
	registerCmd.Flags().StringVar(&registerName, "name", "", "display name (default: the id)")
}

func runRegister(cmd *cobra.Command, args []string) error {
	d, err := openDeployment()
	if err != nil {
		return err
	}
	defer d.Close()

	name := registerName
	if name == "" {
		name = args[0]
	}
	if err := d.backend.RegisterMachine(cmd.Context(), args[0], name); err != nil {
		return err
	}
	fmt.Printf("registered %s\n", args[0])
	return nil
}

func runUnregister(cmd *cobra.Command, args []string) error {
	d, err := openDeployment()
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.backend.UnregisterMachine(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("unregistered %s\n", args[0])
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	d, err := openDeployment()
	if err != nil {
		return err
	}
	defer d.Close()

	infos, err := d.backend.Machines(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("%-24s %-24s %s\n", "ID", "NAME", "STATE")
	for _, info := range infos {
		st := stateOf(cmd.Context(), d, info.ID)
		fmt.Printf("%-24s %-24s %s\n", info.ID, info.Name, st)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := openDeployment()
	if err != nil {
		return err
	}
	defer d.Close()

	st, err := coordinator.Apply(cmd.Context(), d.backend, args[0], coordinator.MachineOp[machine.SessionState]{
		Desc: "status",
		Do: func(ctx context.Context, m machine.Machine) (machine.SessionState, error) {
			return m.SessionState(ctx)
		},
	})
	if machine.IsNotRegistered(err) {
		fmt.Printf("%s\tnot registered\n", args[0])
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", args[0], st)
	return nil
}

func runForceUnlock(cmd *cobra.Command, args []string) error {
	d, err := openDeployment()
	if err != nil {
		return err
	}
	defer d.Close()

	n, err := d.backend.ForceRelease(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("revoked %d session(s) on %s\n", n, args[0])
	return nil
}

func stateOf(ctx context.Context, d *deployment, id string) string {
	m, err := d.backend.FindMachine(ctx, id)
	if err != nil {
		return "unknown"
	}
	st, err := m.SessionState(ctx)
	if err != nil {
		return "unknown"
	}
	return st.String()
}
