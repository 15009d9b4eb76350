package logger

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const (
	colorReset = "\x1b[0m"
	colorBold  = "\x1b[1m"
)

// palette holds the ANSI colors one theme uses.
type palette struct {
	time      string
	component []string
	symbol    string
	fg        string
	key       string
	warn      string
	warnBg    string
	err       string
	errBg     string
}

// Gruvbox Dark (warm, muted)
var gruvbox = palette{
	time:      "\x1b[38;5;108m",
	component: []string{"\x1b[38;5;208m", "\x1b[38;5;214m"},
	symbol:    "\x1b[38;5;142m",
	fg:        "\x1b[38;5;223m",
	key:       "\x1b[38;5;109m",
	warn:      "\x1b[38;5;214m",
	warnBg:    "\x1b[48;5;58m",
	err:       "\x1b[38;5;167m",
	errBg:     "\x1b[48;5;88m",
}

// Everforest Dark (forest greens)
var everforest = palette{
	time:      "\x1b[38;5;107m",
	component: []string{"\x1b[38;5;108m", "\x1b[38;5;65m", "\x1b[38;5;208m"},
	symbol:    "\x1b[38;5;108m",
	fg:        "\x1b[38;5;223m",
	key:       "\x1b[38;5;109m",
	warn:      "\x1b[38;5;179m",
	warnBg:    "\x1b[48;5;58m",
	err:       "\x1b[38;5;167m",
	errBg:     "\x1b[48;5;52m",
}

var currentTheme = "everforest"

// SetTheme configures the color scheme for log output
func SetTheme(theme string) {
	if theme == "everforest" || theme == "gruvbox" {
		currentTheme = theme
	}
}

func colors() palette {
	if currentTheme == "gruvbox" {
		return gruvbox
	}
	return everforest
}

// colorComponent hashes the name so a component keeps its color across lines.
func colorComponent(name string) string {
	hash := 0
	for _, c := range name {
		hash += int(c)
	}
	p := colors()
	return p.component[hash%len(p.component)]
}

// minimalEncoder is a calm, compact console encoder.
// Format: "13:04:35  p.executor  ♥ Action performed  run_id=5f2c item_id=post-1"
//
// Every field is printed as key=value. Context fields (from With) are kept in
// an embedded map encoder and printed after the entry's own fields.
type minimalEncoder struct {
	*zapcore.MapObjectEncoder
}

func newMinimalEncoder() *minimalEncoder {
	return &minimalEncoder{MapObjectEncoder: zapcore.NewMapObjectEncoder()}
}

func (enc *minimalEncoder) Clone() zapcore.Encoder {
	clone := zapcore.NewMapObjectEncoder()
	for k, v := range enc.Fields {
		clone.Fields[k] = v
	}
	return &minimalEncoder{MapObjectEncoder: clone}
}

func (enc *minimalEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	p := colors()
	final := buffer.NewPool().Get()

	final.AppendString(p.time)
	final.AppendString(ent.Time.Format("15:04:05"))
	final.AppendString(colorReset)

	// Level: only shown for WARN and above
	if ent.Level > zapcore.InfoLevel {
		final.AppendString("  ")
		final.AppendString(levelColorString(ent.Level))
	} else if ent.Level == zapcore.DebugLevel {
		final.AppendString("  debug")
	}

	if ent.LoggerName != "" {
		final.AppendString("  ")
		final.AppendString(colorComponent(ent.LoggerName))
		final.AppendString(abbreviateName(ent.LoggerName))
		final.AppendString(colorReset)
	}

	entryFields := zapcore.NewMapObjectEncoder()
	order := make([]string, 0, len(fields))
	for _, f := range fields {
		f.AddTo(entryFields)
		order = append(order, f.Key)
	}

	symbol := ""
	if s, ok := entryFields.Fields[FieldSymbol]; ok {
		symbol = fmt.Sprint(s)
	} else if s, ok := enc.Fields[FieldSymbol]; ok {
		symbol = fmt.Sprint(s)
	}

	final.AppendString("  ")
	if symbol != "" {
		final.AppendString(p.symbol + symbol + colorReset + " ")
	}
	final.AppendString(p.fg + ent.Message + colorReset)

	pairs := renderPairs(entryFields.Fields, order, p)
	pairs = append(pairs, renderPairs(enc.Fields, sortedKeys(enc.Fields, entryFields.Fields), p)...)
	if len(pairs) > 0 {
		final.AppendString("  ")
		final.AppendString(strings.Join(pairs, " "))
	}

	final.AppendString("\n")
	return final, nil
}

// renderPairs formats key=value for keys in order, skipping the symbol and
// the verbose error stacks zap adds for formatter-aware errors.
func renderPairs(values map[string]interface{}, order []string, p palette) []string {
	seen := make(map[string]bool, len(order))
	pairs := make([]string, 0, len(order))
	for _, k := range order {
		if seen[k] || k == FieldSymbol || strings.HasSuffix(k, "Verbose") {
			continue
		}
		seen[k] = true
		v, ok := values[k]
		if !ok {
			continue
		}
		pairs = append(pairs, p.key+k+"="+colorReset+formatValue(v))
	}
	return pairs
}

// sortedKeys returns the keys of m not shadowed by skip, sorted.
func sortedKeys(m, skip map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if _, shadowed := skip[k]; shadowed {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatValue(v interface{}) string {
	s := fmt.Sprintf("%v", v)
	if strings.ContainsAny(s, " \t") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// levelColorString returns bold + colored + background for WARN/ERROR
func levelColorString(level zapcore.Level) string {
	p := colors()
	switch level {
	case zapcore.WarnLevel:
		return colorBold + p.warnBg + p.warn + "WARN" + colorReset
	default:
		return colorBold + p.errBg + p.err + level.CapitalString() + colorReset
	}
}

// abbreviateName shortens component names: pulse.executor -> p.executor
func abbreviateName(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) > 1 && parts[0] != "" {
		return string(parts[0][0]) + "." + strings.Join(parts[1:], ".")
	}
	return name
}
