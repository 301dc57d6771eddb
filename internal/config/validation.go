package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct tags, then rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	st, err := os.Stat(cfg.Root)
	if err != nil {
		return fmt.Errorf("root: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("root: %s is not a directory", cfg.Root)
	}

	if err := checkStateDir(cfg.Root, cfg.StateDir); err != nil {
		return err
	}

	seen := make(map[string]bool, len(cfg.Tokens))
	for i, t := range cfg.Tokens {
		if strings.TrimSpace(t.Token) == "" {
			return fmt.Errorf("tokens[%d]: empty bearer token", i)
		}
		if seen[t.Token] {
			return fmt.Errorf("tokens[%d]: duplicate token", i)
		}
		seen[t.Token] = true
		if _, ok := cfg.Users[t.User]; !ok {
			return fmt.Errorf("tokens[%d]: unknown user %q", i, t.User)
		}
	}
	if cfg.AuthOptional && len(cfg.Users) == 0 {
		return errors.New("auth_optional requires at least one user")
	}
	return nil
}

// checkStateDir requires a state dir inside the root to sit below a
// dot-prefixed directory, which listing and search never show.
func checkStateDir(root, state string) error {
	if state == "" {
		return nil
	}
	rootAbs, err1 := filepath.Abs(root)
	stateAbs, err2 := filepath.Abs(state)
	if err1 != nil || err2 != nil {
		return nil
	}
	rel, err := filepath.Rel(rootAbs, stateAbs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}
	if rel == "." {
		return errors.New("state_dir: must not be the root")
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(seg, ".") {
			return nil
		}
	}
	return fmt.Errorf("state_dir: %s is inside root and not hidden", state)
}

// formatValidationError reports the first failing field.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
