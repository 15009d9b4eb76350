package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/engage/am"
	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/pulse/executor"
	"github.com/teranos/engage/pulse/run"
	"github.com/teranos/engage/pulse/schedule"
	"github.com/teranos/engage/sym"
)

// StatusCmd shows live runs and the next scheduled execution of every family.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: sym.Pulse + " Show live runs and next scheduled executions",
	Long: sym.Pulse + ` status - one line per family.

Reads the live state any engage process persists while running, so it works
against 'engage serve' and a foreground 'engage run' alike.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
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
	now := time.Now()
	data := pterm.TableData{{"Family", "Run", "Progress", "Step", "Schedules", "Next"}}
	for _, family := range run.Families {
		active, progress, err := executor.LoadLive(ctx, s, family)
		if err != nil {
			return err
		}
		sc, err := newDetachedScheduler(ctx, cfg, s, family)
		if err != nil {
			return err
		}
		st := sc.Status(now)
		data = append(data, []string{
			string(family),
			runCell(active, now),
			progressCell(progress),
			stepCell(progress),
			schedulesCell(st.Enabled, len(st.Schedules)),
			nextCell(st.Next),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runCell(active *executor.ActiveRecord, now time.Time) string {
	if active == nil {
		return pterm.Gray("idle")
	}
	return pterm.Green(fmt.Sprintf("running %s (pid %d)", now.Sub(active.StartedAt).Round(time.Second), active.PID))
}

func progressCell(p *executor.Progress) string {
	if p == nil || p.Total == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d (%.0f%%)", p.Current, p.Total, p.Percentage)
}

func stepCell(p *executor.Progress) string {
	if p == nil {
		return ""
	}
	return p.Step
}

func schedulesCell(enabled bool, n int) string {
	if !enabled {
		return fmt.Sprintf("%d, disabled", n)
	}
	return fmt.Sprintf("%d, enabled", n)
}

func nextCell(next *schedule.NextExecution) string {
	if next == nil {
		return "-"
	}
	return fmt.Sprintf("%s (in %s)", next.Time, next.Countdown)
}
