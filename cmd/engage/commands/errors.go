package commands

import (
	"strings"

	"github.com/teranos/engage/errors"
)

// FormatError renders err for the terminal: the message, then any hints
// attached along the way.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(err.Error())
	for _, hint := range errors.GetAllHints(err) {
		b.WriteString("\nHint: ")
		b.WriteString(strings.TrimSpace(hint))
	}
	return b.String()
}
