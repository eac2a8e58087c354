package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the structural rules declared on the config types plus the
// cross-field rules the tags cannot express. Returns an error describing the
// first failed validation, or nil if valid.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			fe := fieldErrors[0]
			return fmt.Errorf("field %s failed validation rule %q", fe.Namespace(), fe.Tag())
		}
		return err
	}

	if err := validateSavepointPrefix(cfg.Transaction.SavepointPrefix); err != nil {
		return fmt.Errorf("transaction config: %w", err)
	}

	return nil
}

// validateSavepointPrefix rejects prefixes that would require quoting or allow
// injection once interpolated into SAVEPOINT statements.
func validateSavepointPrefix(prefix string) error {
	if prefix == "" {
		return errors.New("savepoint prefix cannot be empty")
	}
	for _, r := range prefix {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') &&
			(r < '0' || r > '9') && r != '_' {
			return fmt.Errorf("savepoint prefix contains invalid character %q", r)
		}
	}
	if prefix[0] >= '0' && prefix[0] <= '9' {
		return errors.New("savepoint prefix cannot start with a digit")
	}
	return nil
}
