package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/engage/am"
	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/pulse/executor"
	"github.com/teranos/engage/pulse/run"
	"github.com/teranos/engage/pulse/schedule"
	"github.com/teranos/engage/sym"
)

// RunCmd executes one run in the foreground.
var RunCmd = &cobra.Command{
	Use:   "run <family>",
	Short: sym.Pulse + " Execute one run in the foreground",
	Long: sym.Pulse + ` run - execute one run of a family and wait for it to finish.

Flags override the family's saved defaults (see 'engage schedule defaults').
Actions given on the command line replace the default actions entirely.

Families: keyword, people_search, profile_import

Examples:
  engage run keyword --keywords golang,rust --quota 5 --like
  engage run profile_import --urls https://example.com/in/a --follow
  engage run keyword --fixture testdata/items.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	RunCmd.Flags().String("fixture", "", "Use a fixture file instead of the configured page agent")
	addSettingsFlags(RunCmd)
}

// addSettingsFlags registers the flags settingsFromFlags reads.
func addSettingsFlags(cmd *cobra.Command) {
	cmd.Flags().String("source", "", "Work source: keyword, feed, url")
	cmd.Flags().StringSlice("keywords", nil, "Keywords to search (comma-separated)")
	cmd.Flags().StringSlice("urls", nil, "Profile or post URLs (comma-separated)")
	cmd.Flags().Int("quota", 0, "Successful items to aim for")
	cmd.Flags().Int("min-likes", 0, "Skip items with fewer likes")
	cmd.Flags().Bool("like", false, "Like qualified items")
	cmd.Flags().Bool("comment", false, "Comment on qualified items")
	cmd.Flags().Bool("share", false, "Share qualified items")
	cmd.Flags().Bool("follow", false, "Follow qualified authors")
	cmd.Flags().Bool("connect", false, "Send connection requests")
}

// settingsFromFlags builds the override settings. Unset flags stay zero so
// Merge fills them from defaults.
func settingsFromFlags(cmd *cobra.Command) run.Settings {
	f := cmd.Flags()
	var s run.Settings
	if v, _ := f.GetString("source"); v != "" {
		s.Source = run.Source(v)
	}
	s.Keywords, _ = f.GetStringSlice("keywords")
	s.URLs, _ = f.GetStringSlice("urls")
	s.Quota, _ = f.GetInt("quota")
	s.Qualification.MinLikes, _ = f.GetInt("min-likes")
	s.Actions.Like, _ = f.GetBool("like")
	s.Actions.Comment, _ = f.GetBool("comment")
	s.Actions.Share, _ = f.GetBool("share")
	s.Actions.Follow, _ = f.GetBool("follow")
	s.Actions.Connect, _ = f.GetBool("connect")
	if s.Source == "" {
		switch {
		case len(s.URLs) > 0:
			s.Source = run.SourceURL
		case len(s.Keywords) > 0:
			s.Source = run.SourceKeyword
		}
	}
	return s
}

// progressPrinter renders executor events as a terminal progress bar.
type progressPrinter struct {
	mu  sync.Mutex
	bar *pterm.ProgressbarPrinter
}

func (p *progressPrinter) EmitProgress(family run.Family, pr executor.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil || pr.Total <= 0 {
		return
	}
	if p.bar.Total != pr.Total {
		p.bar.Total = pr.Total
	}
	if delta := pr.Current - p.bar.Current; delta > 0 {
		p.bar.Add(delta)
	}
	if pr.Step != "" {
		p.bar.UpdateTitle(fmt.Sprintf("%s %s", family, pr.Step))
	}
}

func (p *progressPrinter) EmitState(family run.Family, state executor.State, sess *run.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch state {
	case executor.StateRunning:
		total := 1
		if sess != nil && sess.Target > 0 {
			total = sess.Target
		}
		bar, err := pterm.DefaultProgressbar.WithTotal(total).WithTitle(string(family)).Start()
		if err == nil {
			p.bar = bar
		}
	default:
		if p.bar != nil {
			p.bar.Stop()
			p.bar = nil
		}
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	family, err := run.ParseFamily(args[0])
	if err != nil {
		return err
	}
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	fixturePath, _ := cmd.Flags().GetString("fixture")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(ctx, cfg, engineOptions{
		FixturePath: fixturePath,
		Emitter:     &progressPrinter{},
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	eng.recoverInterrupted(ctx)

	set, err := schedule.NewSetStore(eng.store).Load(ctx, family, run.DefaultSettings(family))
	if err != nil {
		return err
	}
	// Invalid settings still produce a failed session in history.
	settings := settingsFromFlags(cmd).Merge(set.Defaults)

	pterm.Info.Printf("%s %s run: %s, quota %d\n", sym.Pulse, family, settings.Describe(), settings.Quota)
	// Ctrl+C stops the run; the session is still finalized and printed.
	sess, err := eng.executors[family].Run(ctx, settings)
	if sess != nil {
		printSession(sess)
	}
	return err
}

func printSession(sess *run.Session) {
	line := fmt.Sprintf("%s %s: %d/%d successful, %d processed in %s",
		sess.Type, sess.Status, sess.Successful, sess.Target, sess.Processed, sess.Duration)
	switch sess.Status {
	case run.StatusCompleted:
		pterm.Success.Println(line)
	case run.StatusStopped:
		pterm.Warning.Println(line)
	default:
		pterm.Error.Println(line)
		if sess.Error != "" {
			pterm.Error.Println(sess.Error)
		}
	}
}
