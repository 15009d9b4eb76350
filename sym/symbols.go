// Package sym defines canonical symbols for engage operations and system markers.
// These symbols are stable across the dashboard, CLI, and logs.
package sym

// System infrastructure symbols.
const (
	Pulse      = "꩜" // scheduler ticks, runs, quota accounting
	PulseOpen  = "✿" // graceful startup with interrupted-run recovery
	PulseClose = "❀" // graceful shutdown and run finalization
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration and system settings
)

// Action symbols, one per engagement action.
const (
	Like    = "♥"
	Comment = "✎"
	Share   = "⇪"
	Follow  = "⊕"
	Connect = "⋈"
)

// Family symbols, one per automation family.
const (
	Keyword = "⌕" // bulk keyword and feed processing
	People  = "⍟" // people search
	Import  = "⤓" // profile import
)

// entry binds a command word to its glyph and description.
type entry struct {
	glyph       string
	command     string
	description string
}

var registry = []entry{
	{Pulse, "pulse", "Scheduler and run orchestration"},
	{AM, "am", "Configuration and system settings"},
	{DB, "db", "Database and storage layer"},
	{Like, "like", "Like a post"},
	{Comment, "comment", "Comment on a post"},
	{Share, "share", "Share a post"},
	{Follow, "follow", "Follow an author or profile"},
	{Connect, "connect", "Send a connection request"},
	{Keyword, "keyword", "Bulk keyword and feed processing"},
	{People, "people_search", "People search"},
	{Import, "profile_import", "Profile import"},
}

// Lookup tables built from the registry at init time.
var (
	// CommandToSymbol maps command words to their glyphs.
	CommandToSymbol map[string]string
	// SymbolToCommand maps glyphs to their command words.
	SymbolToCommand map[string]string
	// CommandDescriptions provides human-readable explanations for CLI help and tooltips.
	CommandDescriptions map[string]string
)

func init() {
	CommandToSymbol = make(map[string]string, len(registry))
	SymbolToCommand = make(map[string]string, len(registry))
	CommandDescriptions = make(map[string]string, len(registry))
	for _, e := range registry {
		CommandToSymbol[e.command] = e.glyph
		SymbolToCommand[e.glyph] = e.command
		CommandDescriptions[e.command] = e.description
	}
}

// For returns the glyph for a command word, or Pulse when the word is unknown.
func For(command string) string {
	if g, ok := CommandToSymbol[command]; ok {
		return g
	}
	return Pulse
}
