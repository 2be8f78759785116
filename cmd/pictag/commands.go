package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/kalambet/pictag/internal/config"
)

var (
	endpointsJSON bool
	addProvider   string
	addBucket     string
	addRoot       string
	tasksJSON     bool
	tasksLimit    int
)

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Manage storage endpoints",
}

var endpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered storage endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		eps, err := c.listEndpoints()
		if err != nil {
			return err
		}
		if endpointsJSON {
			return printJSON(eps)
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"ID", "PROVIDER", "BUCKET", "CREATED"})
		for i := 0; i < len(eps); i++ {
			ep := eps[i]
			tw.AppendRow(table.Row{ep.ID, ep.Provider, ep.BucketName, ep.CreatedAt.Local().Format("2006-01-02 15:04")})
		}
		tw.Render()
		return nil
	},
}

var endpointsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a storage endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		if addBucket == "" {
			return fmt.Errorf("--bucket is required")
		}
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := c.createEndpoint(addProvider, addBucket, addRoot)
		if err != nil {
			return err
		}
		printSuccess("Endpoint %s registered (bucket %q)", res.Endpoint.ID, res.Endpoint.BucketName)
		if res.SyncTaskID != "" {
			printStep("initial sync dispatched (task %s)", res.SyncTaskID)
		}
		return nil
	},
}

var endpointsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a storage endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := c.deleteEndpoint(args[0]); err != nil {
			return err
		}
		printSuccess("Endpoint %s removed", args[0])
		return nil
	},
}

var endpointsSyncCmd = &cobra.Command{
	Use:   "sync <id>",
	Short: "Re-scan an endpoint's directory for new and changed files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		taskID, err := c.syncEndpoint(args[0])
		if err != nil {
			return err
		}
		printSuccess("Sync dispatched (task %s)", taskID)
		return nil
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect the background task ledger",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent background tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		tasks, err := c.listTasks(tasksLimit)
		if err != nil {
			return err
		}
		if tasksJSON {
			return printJSON(tasks)
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"ID", "TYPE", "STATUS", "ATTEMPTS", "UPDATED"})
		for i := 0; i < len(tasks); i++ {
			t := tasks[i]
			tw.AppendRow(table.Row{
				shortID(t.ID),
				t.Type,
				t.Status,
				fmt.Sprintf("%d/%d", t.Attempts, t.MaxAttempts),
				t.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
			})
		}
		tw.Render()
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change local configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration (secrets omitted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, info := range config.ShowAll(cfg) {
			src := ""
			if info.Source != "default" {
				src = colorize(colorCyan, fmt.Sprintf("  (from %s)", info.Source))
			}
			fmt.Fprintf(os.Stdout, "  %s = %s%s\n", colorize(colorBold, info.Key), info.Value, src)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("%s = %s", args[0], args[1])
		printWarning("restart the server for the change to take effect")
		return nil
	},
}

// shortID trims task UUIDs for table display. Full IDs stay available
// via --json.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	endpointsListCmd.Flags().BoolVar(&endpointsJSON, "json", false, "print raw JSON")
	endpointsAddCmd.Flags().StringVar(&addProvider, "provider", "local", "endpoint provider (local or s3)")
	endpointsAddCmd.Flags().StringVar(&addBucket, "bucket", "", "bucket name (required)")
	endpointsAddCmd.Flags().StringVar(&addRoot, "root", "", "directory under the data dir (defaults to the bucket name)")
	endpointsCmd.AddCommand(endpointsListCmd, endpointsAddCmd, endpointsRemoveCmd, endpointsSyncCmd)

	tasksListCmd.Flags().BoolVar(&tasksJSON, "json", false, "print raw JSON")
	tasksListCmd.Flags().IntVar(&tasksLimit, "limit", 20, "number of tasks to show")
	tasksCmd.AddCommand(tasksListCmd)

	configCmd.AddCommand(configShowCmd, configSetCmd)
}
