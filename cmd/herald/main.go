// Command herald is the operator CLI for the heraldd daemon.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drewfead/herald/internal/config"
	"github.com/drewfead/herald/internal/control"
)

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "herald",
	Short: "Chat-driven agent gateway",
	Long: `Herald bridges chat conversations to an autonomous agent runtime.

The herald CLI talks to the running heraldd daemon over its control
socket: inspect active runs, pending checkpoints, stop sessions, and
follow lifecycle events live.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List active sub-agent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return runRuns(asJSON)
	},
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List in-flight message checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return runCheckpoints(asJSON)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <session-key>",
	Short: "Stop every active run under a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(args[0])
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow run lifecycle events live",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch()
	},
}

func connect() (*control.Client, error) {
	client, err := control.NewClient(cfg.Daemon.Socket)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s (is heraldd running?): %w", cfg.Daemon.Socket, err)
	}
	return client, nil
}

func runStatus() error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	st, err := client.Status()
	if err != nil {
		return err
	}

	fmt.Printf("heraldd %s\n", st.Version)
	fmt.Printf("  uptime:      %ds\n", st.Uptime)
	fmt.Printf("  accounts:    %v\n", st.Accounts)
	fmt.Printf("  active runs: %d\n", st.ActiveRuns)
	fmt.Printf("  checkpoints: %d\n", st.Checkpoints)
	return nil
}

func runRuns(asJSON bool) error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	runs, err := client.ListRuns()
	if err != nil {
		return err
	}

	if asJSON {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No active runs.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tLABEL\tSESSION\tDEPTH\tSTATUS\tWATCHDOG\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.Label, r.ChildKey, r.Depth, r.Status, r.Watchdog, r.StartedAt)
	}
	return w.Flush()
}

func runCheckpoints(asJSON bool) error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	cps, err := client.ListCheckpoints()
	if err != nil {
		return err
	}

	if asJSON {
		return printJSON(cps)
	}
	if len(cps) == 0 {
		fmt.Println("No pending checkpoints.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACCOUNT\tTOPIC\tSENDER\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, cp := range cps {
		fmt.Fprintf(w, "%s\t%s\t%s > %s\t%s\t%d\t%s\t%s\n",
			cp.ID, cp.Account, cp.Stream, cp.Topic, cp.SenderName, cp.Attempts, cp.UpdatedAt, cp.LastError)
	}
	return w.Flush()
}

func runStop(sessionKey string) error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	stopped, err := client.StopSession(sessionKey)
	if err != nil {
		return err
	}
	fmt.Printf("Stopped %d run(s) under %s\n", stopped, sessionKey)
	return nil
}

func runWatch() error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Println("Watching run events (Ctrl-C to exit)...")
	for ev := range client.Events() {
		payload, _ := json.Marshal(ev.Payload)
		fmt.Printf("%s %s\n", ev.Type, payload)
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	runsCmd.Flags().Bool("json", false, "Output as JSON")
	checkpointsCmd.Flags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(statusCmd, runsCmd, checkpointsCmd, stopCmd, watchCmd)
}
