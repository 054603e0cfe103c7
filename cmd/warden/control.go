package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stakewatch/warden/pkg/config"
	"github.com/stakewatch/warden/pkg/control"
)

const dialTimeout = 10 * time.Second

// addRemoteFlags lets a control command reach the daemon through a
// relay's forwarded port instead of the local socket.
func addRemoteFlags(cmd *cobra.Command) {
	cmd.Flags().String("connect", "", "Connect to host:port (a relay's forwarded control port) instead of the local socket")
	cmd.Flags().String("user", "", "Control user name for remote authentication")
	cmd.Flags().String("key-file", "", "File holding the hex auth key for --user")
}

// dialControl opens a client per the command's flags, authenticating
// when the connection is remote.
func dialControl(cmd *cobra.Command) (*control.Client, error) {
	connect, _ := cmd.Flags().GetString("connect")

	if connect == "" {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		return control.Dial("unix", cfg.SocketPath(), dialTimeout)
	}

	user, _ := cmd.Flags().GetString("user")
	keyFile, _ := cmd.Flags().GetString("key-file")
	if user == "" || keyFile == "" {
		return nil, fmt.Errorf("--connect requires --user and --key-file")
	}
	keyHex, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading auth key: %w", err)
	}

	client, err := control.Dial("tcp", connect, dialTimeout)
	if err != nil {
		return nil, err
	}
	if err := client.Authenticate(user, strings.TrimSpace(string(keyHex))); err != nil {
		client.Close()
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return client, nil
}

// readPassword prompts on a terminal without echo, or reads a line
// when stdin is a pipe.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		defer fmt.Fprintln(os.Stderr)
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and validator status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialControl(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		status, err := client.Status()
		if err != nil {
			return err
		}

		locked := "no"
		if !status.Unlocked {
			locked = "yes"
		}
		fmt.Printf("Locked:         %s\n", locked)
		fmt.Printf("Validator:      %s\n", status.Validator.State)
		if status.Validator.PID != 0 {
			fmt.Printf("PID:            %d\n", status.Validator.PID)
		}
		if !status.Validator.StartedAt.IsZero() {
			fmt.Printf("Running since:  %s\n", status.Validator.StartedAt.Format(time.RFC3339))
		}
		fmt.Printf("Restarts:       %d\n", status.Validator.Restarts)
		fmt.Printf("Backup version: %d\n", status.BackupVersion)
		if status.LastError != "" {
			fmt.Printf("Last error:     %s\n", status.LastError)
		}
		for _, t := range status.Tunnels {
			fmt.Printf("Tunnel %-20s %s\n", t.Host, t.State)
		}
		return nil
	},
}

var listTunnelsCmd = &cobra.Command{
	Use:   "list-tunnels",
	Short: "List relay tunnels and their connection state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialControl(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		tunnels, err := client.ListTunnels()
		if err != nil {
			return err
		}
		for _, t := range tunnels {
			line := fmt.Sprintf("%-24s %-12s failures=%d", t.Host, t.State, t.Failures)
			if t.LastError != "" {
				line += "  last_error=" + t.LastError
			}
			fmt.Println(line)
		}
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the validator",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force-restore")
		client, err := dialControl(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Start(force); err != nil {
			return err
		}
		fmt.Println("✓ Validator started")
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the validator and export its anti-slashing record",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialControl(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Stop(); err != nil {
			return err
		}
		fmt.Println("✓ Validator stopped")
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the validator",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force-restore")
		client, err := dialControl(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Restart(force); err != nil {
			return err
		}
		fmt.Println("✓ Validator restarted")
		return nil
	},
}

var rotateTunnelCmd = &cobra.Command{
	Use:   "rotate-tunnel HOST",
	Short: "Drop and redial the tunnel to a relay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialControl(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.RotateTunnel(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Rotating tunnel to %s\n", args[0])
		return nil
	},
}

var backupNowCmd = &cobra.Command{
	Use:   "backup-now",
	Short: "Export the anti-slashing record and replicate it now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialControl(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.BackupNow(); err != nil {
			return err
		}
		fmt.Println("✓ Backup exported, replication kicked")
		return nil
	},
}

var fetchRemoteCmd = &cobra.Command{
	Use:   "fetch-remote HOST",
	Short: "Install the backup replica from a relay (validator must be stopped)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialControl(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.FetchRemote(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Installed replica from %s\n", args[0])
		return nil
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Deliver the root key password to the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword("Root key password: ")
		if err != nil {
			return err
		}

		client, err := dialControl(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Unlock(password); err != nil {
			return err
		}
		fmt.Println("✓ Daemon unlocked")
		return nil
	},
}

var shutdownHostCmd = &cobra.Command{
	Use:   "shutdown-host",
	Short: "Power off the supervisor host (admin only over tunnels)",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialControl(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.ShutdownHost(); err != nil {
			return err
		}
		fmt.Println("✓ Host shutdown initiated")
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{
		statusCmd, listTunnelsCmd, startCmd, stopCmd, restartCmd,
		rotateTunnelCmd, backupNowCmd, fetchRemoteCmd, unlockCmd, shutdownHostCmd,
	} {
		addRemoteFlags(cmd)
	}
	startCmd.Flags().Bool("force-restore", false, "Start even when no usable anti-slashing record exists")
	restartCmd.Flags().Bool("force-restore", false, "Restart even when no usable anti-slashing record exists")
}
