package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/engage/am"
	"github.com/teranos/engage/cmd/engage/commands"
	"github.com/teranos/engage/logger"
	"github.com/teranos/engage/sym"
)

var rootCmd = &cobra.Command{
	Use:   "engage",
	Short: sym.Pulse + " engage - scheduled, rate-limited engagement runs",
	Long: sym.Pulse + ` engage - scheduling and run orchestration for engagement automation.

engage runs three independent automation families (keyword, people_search,
profile_import). Each family has one executor that drives a page agent
through discovery and per-item actions under daily quotas, and one
scheduler that starts runs at fixed times of day.

Available commands:
  serve     - Start the dashboard API, schedulers and config watcher
  run       - Execute one run in the foreground
  stop      - Ask the server to stop a family's run
  status    - Show live runs and next scheduled executions
  schedule  - Manage schedules (ls, add, rm, enable, disable, export, import)
  quota     - Show today's quota usage
  history   - Show recent runs and schedule executions
  am        - Manage configuration ("I am")
  db        - Database maintenance

Examples:
  engage serve                          # Start everything
  engage run keyword --fixture items.yaml --quota 3
  engage schedule add keyword 09:00 --label morning
  engage quota                          # Today's usage`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if cfg, err := am.Load(); err == nil {
			logger.SetTheme(cfg.GetServerLogTheme())
		}
		if err := logger.InitializeWithVerbosity(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.StopCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.QuotaCmd)
	rootCmd.AddCommand(commands.HistoryCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, commands.FormatError(err))
		os.Exit(1)
	}
}
