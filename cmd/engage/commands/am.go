package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/engage/am"
	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage engage configuration",
	Long: sym.AM + ` am - Manage engage configuration ("I am")

Configuration sources (later overrides earlier):
1. Built-in defaults
2. System config (/etc/engage/am.toml)
3. User config (~/.engage/am.toml)
4. Project config (./am.toml, searched up from the working directory)
5. Environment variables (ENGAGE_* prefix)

Examples:
  engage am show                         # Effective configuration as TOML
  engage am show --format json
  engage am get quota.limits.likes
  engage am set quota.limits.likes 80    # Written to ~/.engage/am.toml
  engage am where                        # Which file set each value
  engage am validate`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  "Display the merged configuration from all sources. Secrets are masked.",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in the user config file",
	Long: `Write key (dot notation) into ~/.engage/am.toml. The value is parsed as an
integer, float, bool or comma-separated list before falling back to a string.
The file is validated before it is written; a running server reloads it.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where each setting comes from",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	settings, err := am.Introspect()
	if err != nil {
		return err
	}
	return writeSettings(cmd.OutOrStdout(), settingsTree(settings), configFormat)
}

// settingsTree nests flattened settings back into tables.
func settingsTree(settings []am.SettingInfo) map[string]any {
	tree := map[string]any{}
	for _, s := range settings {
		parts := strings.Split(s.Key, ".")
		node := tree
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[p] = child
			}
			node = child
		}
		if s.Value != nil {
			node[parts[len(parts)-1]] = s.Value
		}
	}
	return tree
}

func writeSettings(w io.Writer, tree map[string]any, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(tree, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(w, string(data))
	case "yaml":
		data, err := yaml.Marshal(tree)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(w, "# engage configuration\n%s", data)
	case "toml":
		fmt.Fprintln(w, "# engage configuration")
		if err := toml.NewEncoder(w).Encode(tree); err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json, yaml)", format)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	settings, err := am.Introspect()
	if err != nil {
		return err
	}
	key := strings.ToLower(args[0])
	for _, s := range settings {
		if s.Key == key {
			fmt.Fprintln(cmd.OutOrStdout(), s.Value)
			return nil
		}
	}
	// A table prefix prints the subtree.
	if sub, ok := lookupTable(settingsTree(settings), key); ok {
		return writeSettings(cmd.OutOrStdout(), sub, "toml")
	}
	return errors.NewNotFoundError("configuration key %q not found", args[0])
}

func lookupTable(tree map[string]any, key string) (map[string]any, bool) {
	node := tree
	for _, p := range strings.Split(key, ".") {
		child, ok := node[p].(map[string]any)
		if !ok {
			return nil, false
		}
		node = child
	}
	return node, true
}

func runAmSet(cmd *cobra.Command, args []string) error {
	if err := am.SetValue(args[0], args[1]); err != nil {
		return err
	}
	pterm.Success.Printf("%s %s written to %s\n", sym.AM, args[0], am.UserConfigPath())
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	if _, err := cfg.FeatureFlags(); err != nil {
		return err
	}
	if _, err := cfg.BusinessHoursConfig(); err != nil {
		return err
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	settings, err := am.Introspect()
	if err != nil {
		return err
	}

	fmt.Println("Configuration files (later overrides earlier):")
	files := am.ConfigFiles()
	if len(files) == 0 {
		fmt.Printf("  none, defaults only (create %s)\n", am.UserConfigPath())
	}
	for _, f := range files {
		fmt.Printf("  [%s] %s\n", strings.ToUpper(string(f.Source)), f.Path)
	}
	fmt.Println()

	data := pterm.TableData{{"Key", "Value", "Source"}}
	for _, s := range settings {
		source := string(s.Source)
		if s.Source != am.SourceDefault && s.SourcePath != "" {
			source += " (" + s.SourcePath + ")"
		}
		data = append(data, []string{s.Key, fmt.Sprint(s.Value), source})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
