package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo(t *testing.T) {
	tests := []struct {
		version string
		release bool
		str     string
	}{
		{"dev", false, "engage dev (commit abcdef1, built now)"},
		{"v0.4.0", true, "engage v0.4.0 (commit abcdef1, built now)"},
		{"0.5.0-rc.1", false, "engage v0.5.0-rc.1 (commit abcdef1, built now)"},
	}
	for _, tt := range tests {
		i := Info{Version: tt.version, CommitHash: "abcdef1234", BuildTime: "now"}
		assert.Equal(t, tt.release, i.IsRelease(), tt.version)
		assert.Equal(t, tt.str, i.String(), tt.version)
	}
}

func TestShort(t *testing.T) {
	assert.Equal(t, "dev", Info{CommitHash: "dev"}.Short())
	assert.Equal(t, "1234567", Info{CommitHash: "123456789"}.Short())
}
