package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/engage/am"
	"github.com/teranos/engage/db"
	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/logger"
	"github.com/teranos/engage/store"
	"github.com/teranos/engage/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Database maintenance",
	Long: sym.DB + ` db - Manage the engage database

Examples:
  engage db migrate               # Apply pending migrations
  engage db stats                 # Record counts per kind`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record counts per kind",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	path := cfg.GetDatabasePath()
	database, err := db.Open(path, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to open database at %s", path)
	}
	defer database.Close()

	pending, err := db.Pending(database)
	if err != nil {
		return err
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}
	for _, m := range pending {
		pterm.Info.Printf("Applied %s\n", m.Name)
	}

	versions, err := db.AppliedVersions(database)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return errors.New("no migrations recorded")
	}
	pterm.Success.Printf("%s %s is at migration %s (%d applied)\n",
		sym.DB, cfg.GetDatabasePath(), versions[len(versions)-1], len(versions))
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	keys, err := store.NewSQLiteStore(database, logger.Logger).Keys(cmdContext(cmd), "")
	if err != nil {
		return err
	}
	counts := keyKinds(keys)
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	fmt.Printf("%s Database: %s\n\n", sym.DB, cfg.GetDatabasePath())
	data := pterm.TableData{{"Kind", "Records"}}
	for _, k := range kinds {
		data = append(data, []string{k, fmt.Sprint(counts[k])})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// keyKinds groups keys by their first two dot-separated segments.
func keyKinds(keys []string) map[string]int {
	counts := map[string]int{}
	for _, k := range keys {
		parts := strings.SplitN(k, ".", 3)
		kind := parts[0]
		if len(parts) > 1 {
			kind += "." + parts[1]
		}
		counts[kind]++
	}
	return counts
}
