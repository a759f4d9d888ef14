package config

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks the struct tags, then the rules tags cannot express:
// unique mount points and decodable mount options.
//
// Log levels are accepted in either case; ApplyDefaults normalizes them.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	// Mount points must be unique once cleaned
	points := make(map[string]bool)
	for i := range cfg.Mounts {
		point := path.Clean(cfg.Mounts[i].Point)
		if points[point] {
			return fmt.Errorf("mounts[%d]: duplicate mount point %q", i, point)
		}
		points[point] = true
	}

	// Each mount's options must decode into valid mount options
	for i := range cfg.Mounts {
		if _, err := cfg.Mounts[i].MountOptions(); err != nil {
			return fmt.Errorf("mounts[%d]: %w", i, err)
		}
	}

	return nil
}

// formatValidationError reports every failed field on one line each.
func formatValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}

	lines := make([]string, 0, len(fieldErrs))
	for _, e := range fieldErrs {
		tag := e.Tag()
		if e.Param() != "" {
			tag += "=" + e.Param()
		}
		lines = append(lines, fmt.Sprintf("%s: failed '%s' (value: %v)", e.Namespace(), tag, e.Value()))
	}
	return errors.New(strings.Join(lines, "\n"))
}
