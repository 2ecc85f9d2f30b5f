package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldError is a single failed struct rule, keyed by config path.
type FieldError struct {
	Field string
	Rule  string
	Param string
}

func (f FieldError) String() string {
	if f.Param != "" {
		return fmt.Sprintf("%s (%s=%s)", f.Field, f.Rule, f.Param)
	}
	return fmt.Sprintf("%s (%s)", f.Field, f.Rule)
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	InvalidFields []FieldError
	Conflicts     []string
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.InvalidFields) > 0 || len(e.Conflicts) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")

	if len(e.InvalidFields) > 0 {
		sb.WriteString("\nInvalid fields:\n")
		for _, f := range e.InvalidFields {
			sb.WriteString(fmt.Sprintf("  - %s\n", f))
		}
	}

	if len(e.Conflicts) > 0 {
		sb.WriteString("\nConflicting settings:\n")
		for _, c := range e.Conflicts {
			sb.WriteString(fmt.Sprintf("  - %s\n", c))
		}
	}

	return sb.String()
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their config key instead of the Go name
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks struct rules and the settings that depend on each other.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validating config: %w", err)
		}
		for _, fe := range verrs {
			errs.InvalidFields = append(errs.InvalidFields, FieldError{
				Field: configKey(fe.Namespace()),
				Rule:  fe.Tag(),
				Param: fe.Param(),
			})
		}
	}

	if c.Stream.KeepaliveInterval > 0 && c.Stream.KeepaliveInterval >= c.Stream.MaxLifetime {
		errs.Conflicts = append(errs.Conflicts, fmt.Sprintf(
			"stream.keepalive_interval (%s) must be shorter than stream.max_lifetime (%s)",
			c.Stream.KeepaliveInterval, c.Stream.MaxLifetime))
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		errs.Conflicts = append(errs.Conflicts, "redis.addr is required when a store is set to redis (set PULSE_REDIS_ADDR)")
	}
	if c.Auth.NegotiateTTL > c.Auth.TokenTTL {
		errs.Conflicts = append(errs.Conflicts, fmt.Sprintf(
			"auth.negotiate_ttl (%s) must not exceed auth.token_ttl (%s)",
			c.Auth.NegotiateTTL, c.Auth.TokenTTL))
	}
	if c.Logging.Enabled && c.Logging.Directory == "" {
		errs.Conflicts = append(errs.Conflicts, "logging.directory is required when logging.enabled is true")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// configKey turns "Config.auth.secret" into "auth.secret".
func configKey(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}
