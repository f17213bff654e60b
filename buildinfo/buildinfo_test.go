package buildinfo

import (
	"strings"
	"testing"
)

func TestFullVersion(t *testing.T) {
	oldVersion, oldCommit := Version, Commit
	defer func() { Version, Commit = oldVersion, oldCommit }()

	tests := []struct {
		version  string
		commit   string
		expected string
	}{
		{"dev", "", "dev"},
		{"0.3.0", "", "0.3.0"},
		{"0.3.0", "abc1234", "0.3.0 (abc1234)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			Version, Commit = tt.version, tt.commit
			if got := FullVersion(); got != tt.expected {
				t.Errorf("FullVersion() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestString(t *testing.T) {
	s := String()
	if !strings.HasPrefix(s, Name+" ") {
		t.Errorf("String() should start with the binary name, got %q", s)
	}
	if !strings.Contains(s, "Go: ") {
		t.Errorf("String() should mention the Go version, got %q", s)
	}
}
