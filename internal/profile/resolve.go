package profile

import (
	"fmt"
	"regexp"

	"github.com/murmurapp/murmur/internal/config"
)

const DefaultName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. config.toml default_profile
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultName
}

// ValidateName checks that name conforms to profile naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}
