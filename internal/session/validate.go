package session

import (
	"fmt"
	"regexp"
)

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// ValidateName checks that a session name is safe to use as a directory
// component: lowercase alphanumerics, dash and underscore, max 32 chars.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("session name is empty")
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use lowercase letters, digits, '-' or '_'", name)
	}
	return nil
}
