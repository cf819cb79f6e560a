package profile

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"main", false},
		{"work-phone", false},
		{"a_1", false},
		{"", true},
		{"UPPER", true},
		{"has space", true},
		{"dots.bad", true},
		{strings.Repeat("a", 65), true},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestResolveFlagWins(t *testing.T) {
	if got := Resolve("override"); got != "override" {
		t.Errorf("Resolve = %q, want override", got)
	}
}

func TestPathsAnchorToProfileDir(t *testing.T) {
	dir := Dir("main")
	for _, path := range []string{DBPath("main"), LockPath("main"), LogPath("main")} {
		if !strings.HasPrefix(path, dir) {
			t.Errorf("%q not under profile dir %q", path, dir)
		}
	}
}
