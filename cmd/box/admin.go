package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"

	"github.com/spf13/cobra"
)

// adminRequest/adminResponse mirror internal/daemon's admin protocol; kept
// as a small duplicate here rather than exported from internal/daemon, so
// the CLI package depends on nothing beyond the wire shape of the admin
// channel.
type adminRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

type adminResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func newAdminCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin <command> [args...]",
		Short: "Send one command to the local daemon's admin channel",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminCommand(cmd, flags, args[0], args[1:])
		},
	}
	return cmd
}

func runAdminCommand(cmd *cobra.Command, flags *globalFlags, command string, args []string) error {
	socketPath := filepath.Join(storeRootDir(flags.configPath), "admin.sock")

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("box admin: connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	line, err := json.Marshal(adminRequest{Command: command, Args: args})
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("box admin: send: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("box admin: read reply: %w", err)
		}
		return fmt.Errorf("box admin: no reply from daemon")
	}

	var resp adminResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("box admin: decode reply: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", resp.Status)
	if resp.Message != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "message: %s\n", resp.Message)
	}
	if len(resp.Data) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", resp.Data)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("box admin: %s: %s", resp.Status, resp.Message)
	}
	return nil
}
