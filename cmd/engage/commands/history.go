package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/engage/am"
	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/pulse/run"
	"github.com/teranos/engage/pulse/schedule"
	"github.com/teranos/engage/sym"
)

// HistoryCmd lists recent sessions, or schedule executions with --executions.
var HistoryCmd = &cobra.Command{
	Use:   "history [family]",
	Short: sym.Pulse + " Show recent runs and schedule executions",
	Long: sym.Pulse + ` history - most recent first.

Examples:
  engage history                       # Last runs of every family
  engage history keyword --limit 5
  engage history --executions          # What the schedulers did, including skips`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	HistoryCmd.Flags().Int("limit", 20, "Number of entries")
	HistoryCmd.Flags().Bool("executions", false, "Show schedule executions instead of runs")
}

func runHistory(cmd *cobra.Command, args []string) error {
	var family run.Family
	if len(args) == 1 {
		f, err := run.ParseFamily(args[0])
		if err != nil {
			return err
		}
		family = f
	}
	limit, _ := cmd.Flags().GetInt("limit")
	executions, _ := cmd.Flags().GetBool("executions")

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	ctx := cmdContext(cmd)

	if executions {
		list, err := schedule.NewExecutionLog(s, cfg.Scheduler.HistoryLimit).List(ctx, family, limit)
		if err != nil {
			return err
		}
		return renderExecutions(list)
	}

	sessions, err := run.NewHistory(s, cfg.Executor.HistoryLimit).List(ctx, family, limit)
	if err != nil {
		return err
	}
	return renderSessions(sessions)
}

func renderSessions(sessions []run.Session) error {
	if len(sessions) == 0 {
		pterm.Info.Println("No runs yet")
		return nil
	}
	data := pterm.TableData{{"Started", "Family", "Trigger", "Query", "Result", "Status", "Duration"}}
	for _, s := range sessions {
		trigger := string(s.Trigger)
		if s.ScheduleTime != "" {
			trigger += " " + s.ScheduleTime
		}
		data = append(data, []string{
			s.StartTime.Local().Format("2006-01-02 15:04"),
			string(s.Type),
			trigger,
			s.Query,
			fmt.Sprintf("%d/%d (%d processed)", s.Successful, s.Target, s.Processed),
			statusCell(s.Status),
			s.Duration.String(),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func statusCell(st run.Status) string {
	switch st {
	case run.StatusCompleted:
		return pterm.Green(string(st))
	case run.StatusStopped:
		return pterm.Yellow(string(st))
	case run.StatusFailed:
		return pterm.Red(string(st))
	}
	return string(st)
}

func renderExecutions(list []schedule.Execution) error {
	if len(list) == 0 {
		pterm.Info.Println("No schedule executions yet")
		return nil
	}
	data := pterm.TableData{{"When", "Family", "Schedule", "Outcome", "Session"}}
	for _, e := range list {
		outcome := statusCell(e.Status)
		switch {
		case e.Skipped != "":
			outcome = pterm.Gray("skipped: " + e.Skipped)
		case e.Error != "":
			outcome = pterm.Red(e.Error)
		}
		sched := e.Schedule.Time.String()
		if e.Schedule.Label != "" {
			sched += " " + e.Schedule.Label
		}
		data = append(data, []string{
			e.Timestamp.Local().Format(time.DateTime),
			string(e.Family),
			sched,
			outcome,
			e.SessionID,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
