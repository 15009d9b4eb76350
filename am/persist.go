package am

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/logger"
)

// backupCount is how many rotated copies (.back1 .. .back3) are kept.
const backupCount = 3

// createBackup rotates .back1..back3 and copies the current file to .back1
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	oldest := configPath + ".back" + strconv.Itoa(backupCount)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to delete old config backup", "path", oldest, "error", err)
	}
	for i := backupCount - 1; i >= 1; i-- {
		from := configPath + ".back" + strconv.Itoa(i)
		to := configPath + ".back" + strconv.Itoa(i+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return errors.Wrapf(err, "failed to rotate %s", filepath.Base(from))
			}
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(configPath+".back1", content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}

// readTOML loads a config file as a generic tree, empty when it does not exist.
func readTOML(path string) (map[string]any, error) {
	tree := map[string]any{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return tree, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	if err := toml.Unmarshal(data, &tree); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return tree, nil
}

// SetValue writes key (dot notation, e.g. quota.limits.likes) into the user
// config file, creating intermediate tables. raw is parsed as an integer, float,
// bool or comma-separated list before falling back to a string.
func SetValue(key, raw string) error {
	return SetValueIn(UserConfigPath(), key, raw)
}

// SetValueIn is SetValue against an explicit file.
func SetValueIn(path, key, raw string) error {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(key)), ".")
	for _, p := range parts {
		if p == "" {
			return errors.NewInvalidRequestError("invalid config key %q", key)
		}
	}

	tree, err := readTOML(path)
	if err != nil {
		return err
	}

	node := tree
	for _, p := range parts[:len(parts)-1] {
		child, ok := node[p].(map[string]any)
		if !ok {
			if _, exists := node[p]; exists {
				return errors.NewInvalidRequestError("%s is a value, not a table", p)
			}
			child = map[string]any{}
			node[p] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = parseValue(raw)

	// Round-trip through the full loader so a bad value never lands on disk.
	if err := validateTree(tree); err != nil {
		return err
	}
	return writeTOML(path, tree)
}

func parseValue(raw string) any {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if strings.Contains(raw, ",") {
		items := strings.Split(raw, ",")
		for i := range items {
			items[i] = strings.TrimSpace(items[i])
		}
		return items
	}
	return strings.Trim(raw, `"`)
}

func validateTree(tree map[string]any) error {
	data, err := toml.Marshal(tree)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	tmp, err := os.CreateTemp("", "engage-am-*.toml")
	if err != nil {
		return errors.Wrap(err, "failed to stage config")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to stage config")
	}
	tmp.Close()

	_, err = LoadFromFile(tmp.Name())
	return err
}

func writeTOML(path string, tree map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := createBackup(path); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(tree)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// Mark this as our own write to prevent reload loops
	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}

	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write config")
	}
	logger.AddAMSymbol(logger.Logger).Infow("Config updated", "path", path)
	return nil
}
