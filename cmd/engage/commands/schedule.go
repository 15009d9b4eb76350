package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/engage/am"
	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/logger"
	"github.com/teranos/engage/pulse/run"
	"github.com/teranos/engage/pulse/schedule"
	"github.com/teranos/engage/store"
	"github.com/teranos/engage/sym"
)

// ScheduleCmd manages each family's schedule set.
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: sym.Pulse + " Manage schedules",
	Long: sym.Pulse + ` schedule - manage the daily schedules of each family.

Edits are saved to the database. A running 'engage serve' picks them up on
its next resync (every scheduler.resync_interval_seconds).

Examples:
  engage schedule ls                               # All families
  engage schedule add keyword 09:00 --label morning --keywords golang
  engage schedule rm keyword 09:00
  engage schedule enable keyword
  engage schedule defaults keyword --quota 20 --like
  engage schedule export keyword > keyword.yaml
  engage schedule import keyword keyword.yaml`,
}

var scheduleLsCmd = &cobra.Command{
	Use:   "ls [family]",
	Short: "List schedules and the next execution",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runScheduleLs,
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <family> <HH:MM>",
	Short: "Add a schedule, replacing any at the same time",
	Args:  cobra.ExactArgs(2),
	RunE:  runScheduleAdd,
}

var scheduleRmCmd = &cobra.Command{
	Use:   "rm <family> <HH:MM>",
	Short: "Remove the schedule at a time",
	Args:  cobra.ExactArgs(2),
	RunE:  runScheduleRm,
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <family>",
	Short: "Enable a family's schedules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(cmd, args[0], func(ctx context.Context, sc *schedule.Scheduler) error {
			return sc.Enable(ctx)
		})
	},
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <family>",
	Short: "Disable a family's schedules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(cmd, args[0], func(ctx context.Context, sc *schedule.Scheduler) error {
			return sc.Disable(ctx)
		})
	},
}

var scheduleDefaultsCmd = &cobra.Command{
	Use:   "defaults <family>",
	Short: "Change the settings every schedule of a family inherits",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleDefaults,
}

var scheduleExportCmd = &cobra.Command{
	Use:   "export <family>",
	Short: "Write a family's schedule set as YAML to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleExport,
}

var scheduleImportCmd = &cobra.Command{
	Use:   "import <family> <file|->",
	Short: "Replace a family's schedule set from YAML",
	Args:  cobra.ExactArgs(2),
	RunE:  runScheduleImport,
}

func init() {
	scheduleAddCmd.Flags().String("label", "", "Label shown in status and notifications")
	addSettingsFlags(scheduleAddCmd)
	addSettingsFlags(scheduleDefaultsCmd)

	ScheduleCmd.AddCommand(scheduleLsCmd)
	ScheduleCmd.AddCommand(scheduleAddCmd)
	ScheduleCmd.AddCommand(scheduleRmCmd)
	ScheduleCmd.AddCommand(scheduleEnableCmd)
	ScheduleCmd.AddCommand(scheduleDisableCmd)
	ScheduleCmd.AddCommand(scheduleDefaultsCmd)
	ScheduleCmd.AddCommand(scheduleExportCmd)
	ScheduleCmd.AddCommand(scheduleImportCmd)
}

// detachedTimer never fires. CLI processes edit schedules; only serve runs them.
type detachedTimer struct{}

func (detachedTimer) Schedule(time.Time, func()) {}
func (detachedTimer) Cancel()                    {}

// newDetachedScheduler loads family's set into a scheduler that never fires.
func newDetachedScheduler(ctx context.Context, cfg *am.Config, s store.Store, family run.Family) (*schedule.Scheduler, error) {
	schedCfg := cfg.SchedulerConfig()
	schedCfg.ResyncInterval = 0
	sc := schedule.New(family, run.DefaultSettings(family), schedCfg, schedule.Deps{
		Store:  s,
		Timer:  detachedTimer{},
		Logger: logger.ComponentLogger("pulse.schedule"),
	})
	if err := sc.Load(ctx); err != nil {
		return nil, err
	}
	return sc, nil
}

// withScheduler opens the store, applies fn to family's scheduler and prints the result.
func withScheduler(cmd *cobra.Command, familyArg string, fn func(context.Context, *schedule.Scheduler) error) error {
	family, err := run.ParseFamily(familyArg)
	if err != nil {
		return err
	}
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
	sc, err := newDetachedScheduler(ctx, cfg, s, family)
	if err != nil {
		return err
	}
	if err := fn(ctx, sc); err != nil {
		return err
	}
	return renderScheduleStatus(sc.Status(time.Now()))
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runScheduleLs(cmd *cobra.Command, args []string) error {
	families := run.Families
	if len(args) == 1 {
		family, err := run.ParseFamily(args[0])
		if err != nil {
			return err
		}
		families = []run.Family{family}
	}
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
	for _, family := range families {
		sc, err := newDetachedScheduler(ctx, cfg, s, family)
		if err != nil {
			return err
		}
		if err := renderScheduleStatus(sc.Status(time.Now())); err != nil {
			return err
		}
	}
	return nil
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	at, err := schedule.ParseClockTime(args[1])
	if err != nil {
		return err
	}
	label, _ := cmd.Flags().GetString("label")
	sch := schedule.Schedule{Time: at, Label: label, Settings: settingsFromFlags(cmd)}
	return withScheduler(cmd, args[0], func(ctx context.Context, sc *schedule.Scheduler) error {
		return sc.Add(ctx, sch)
	})
}

func runScheduleRm(cmd *cobra.Command, args []string) error {
	at, err := schedule.ParseClockTime(args[1])
	if err != nil {
		return err
	}
	return withScheduler(cmd, args[0], func(ctx context.Context, sc *schedule.Scheduler) error {
		return sc.Remove(ctx, at)
	})
}

func runScheduleDefaults(cmd *cobra.Command, args []string) error {
	overrides := settingsFromFlags(cmd)
	return withScheduler(cmd, args[0], func(ctx context.Context, sc *schedule.Scheduler) error {
		return sc.ReplaceDefaults(ctx, overrides.Merge(sc.Set().Defaults))
	})
}

func runScheduleExport(cmd *cobra.Command, args []string) error {
	family, err := run.ParseFamily(args[0])
	if err != nil {
		return err
	}
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	set, err := schedule.NewSetStore(s).Load(cmdContext(cmd), family, run.DefaultSettings(family))
	if err != nil {
		return err
	}
	return exportSet(cmd.OutOrStdout(), set)
}

func runScheduleImport(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if args[1] != "-" {
		f, err := os.Open(args[1])
		if err != nil {
			return errors.Wrapf(err, "failed to open %s", args[1])
		}
		defer f.Close()
		r = f
	}
	set, err := importSet(r)
	if err != nil {
		return err
	}
	return withScheduler(cmd, args[0], func(ctx context.Context, sc *schedule.Scheduler) error {
		if set.Family != "" && set.Family != sc.Family() {
			return errors.NewInvalidRequestError("file holds %s schedules, not %s", set.Family, sc.Family())
		}
		return sc.Replace(ctx, set)
	})
}

// exportSet writes set as YAML.
func exportSet(w io.Writer, set *schedule.Set) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(set); err != nil {
		return errors.Wrap(err, "failed to encode schedules")
	}
	return enc.Close()
}

// importSet reads a YAML schedule set. Unknown fields are rejected.
func importSet(r io.Reader) (*schedule.Set, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var set schedule.Set
	if err := dec.Decode(&set); err != nil {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("failed to parse schedules: %v", err),
			"export an existing family with 'engage schedule export' for the format")
	}
	return &set, nil
}

func renderScheduleStatus(st schedule.Status) error {
	state := pterm.Red("disabled")
	if st.Enabled {
		state = pterm.Green("enabled")
	}
	pterm.DefaultSection.Printf("%s %s (%s)", sym.Pulse, st.Family, state)

	if len(st.Schedules) == 0 {
		pterm.Info.Println("No schedules")
		return nil
	}
	data := pterm.TableData{{"Time", "Label", "Source", "Quota", "Actions"}}
	for _, sch := range st.Schedules {
		data = append(data, []string{
			sch.Time.String(),
			sch.Label,
			string(sch.Settings.Source),
			quotaCell(sch.Settings.Quota),
			actionsCell(sch.Settings.Actions),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	if st.Next != nil {
		pterm.Info.Printf("Next: %s %s (in %s)\n", st.Next.Time, st.Next.Label, st.Next.Countdown)
	}
	return nil
}

func quotaCell(q int) string {
	if q == 0 {
		return "default"
	}
	return fmt.Sprint(q)
}

func actionsCell(a run.Actions) string {
	if !a.Any() {
		return "default"
	}
	var out string
	for _, k := range a.Kinds() {
		if out != "" {
			out += ","
		}
		out += string(k)
	}
	return out
}
