package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/engage/am"
	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/logger"
	"github.com/teranos/engage/pulse/quota"
	"github.com/teranos/engage/sym"
)

// QuotaCmd shows today's usage per category.
var QuotaCmd = &cobra.Command{
	Use:   "quota",
	Short: sym.Pulse + " Show today's quota usage",
	Long: sym.Pulse + ` quota - today's action counts against quota.limits.

Categories without a limit are shown as unlimited. Counters reset at local
midnight (or keep one row per date with quota.mode = "per_date").

Examples:
  engage quota
  engage quota --history      # one row per recorded day (per_date mode)
  engage quota --json`,
	Args: cobra.NoArgs,
	RunE: runQuota,
}

func init() {
	QuotaCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	QuotaCmd.Flags().Bool("history", false, "Show counts for every recorded day")
}

func runQuota(cmd *cobra.Command, args []string) error {
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
	backend, redisClient, err := newQuotaBackend(ctx, cfg, s)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	tracker := quota.NewTracker(backend, cfg.QuotaLimits(), logger.ComponentLogger("pulse.quota"))
	asJSON, _ := cmd.Flags().GetBool("json")
	if showHistory, _ := cmd.Flags().GetBool("history"); showHistory {
		days, err := tracker.History(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd, days)
		}
		return renderQuotaHistory(days)
	}

	summary, err := tracker.Summary(ctx)
	if err != nil {
		return err
	}

	if asJSON {
		return printJSON(cmd, summary)
	}

	pterm.DefaultSection.Printf("%s Quota for %s", sym.Pulse, summary.Date)
	data := pterm.TableData{{"Category", "Used", "Limit", "%"}}
	for _, c := range summary.Categories {
		limit, pct := "unlimited", "-"
		if c.Limited {
			limit = fmt.Sprint(c.Limit)
			pct = usageCell(c.PercentageUsed)
		}
		data = append(data, []string{string(c.Category), fmt.Sprint(c.Count), limit, pct})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to format quota")
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// renderQuotaHistory prints one row per day, one column per category.
func renderQuotaHistory(days []quota.DayCounts) error {
	if len(days) == 0 {
		pterm.Info.Println("No quota usage recorded")
		return nil
	}
	header := []string{"Date"}
	for _, cat := range quota.Categories {
		header = append(header, string(cat))
	}
	data := pterm.TableData{header}
	for _, d := range days {
		row := []string{d.Date}
		for _, cat := range quota.Categories {
			row = append(row, fmt.Sprint(d.Counts[cat]))
		}
		data = append(data, row)
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func usageCell(pct float64) string {
	s := fmt.Sprintf("%.0f%%", pct)
	switch {
	case pct >= 100:
		return pterm.Red(s)
	case pct >= 80:
		return pterm.Yellow(s)
	}
	return s
}
