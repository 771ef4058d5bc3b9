package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Validate checks field constraints and cross references
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, formatValidationError(err))
	}
	if errs := c.references(); len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *Config) references() []error {
	var errs []error

	factories := make(map[string]bool, len(c.Factories))
	for _, f := range c.Factories {
		if factories[f.Name] {
			errs = append(errs, fmt.Errorf("factory %q is defined twice", f.Name))
		}
		factories[f.Name] = true
	}
	if c.DefaultFactory != "" && !factories[c.DefaultFactory] {
		errs = append(errs, fmt.Errorf("default_factory %q is not defined", c.DefaultFactory))
	}

	queues := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if queues[q.Name] {
			errs = append(errs, fmt.Errorf("queue %q is defined twice", q.Name))
		}
		queues[q.Name] = true
	}

	ids := make(map[string]bool, len(c.Listeners))
	for i, l := range c.Listeners {
		if l.ID != "" {
			if ids[l.ID] {
				errs = append(errs, fmt.Errorf("listeners[%d]: id %q is used twice", i, l.ID))
			}
			ids[l.ID] = true
		}
		if l.Factory != "" && !factories[l.Factory] {
			errs = append(errs, fmt.Errorf("listeners[%d]: factory %q is not defined", i, l.Factory))
		}
		for _, ref := range l.QueueRefs {
			if !queues[ref] {
				errs = append(errs, fmt.Errorf("listeners[%d]: queue %q is not defined", i, ref))
			}
		}
	}

	return errs
}

func formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		msgs = append(msgs, formatFieldError(e))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_without":
		return fmt.Sprintf("%s is required when %s is empty", field, snakeCase(e.Param()))
	case "excluded_with":
		return fmt.Sprintf("%s must be empty when %s is set", field, snakeCase(e.Param()))
	case "min", "gte":
		if e.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must have at least %s entries", field, e.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "duration":
		return fmt.Sprintf("%s must be a duration such as 500ms or 30s", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
