package topology

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ConfigError is returned by Build and the planning functions when the
// descriptor set cannot be turned into a deployable topology. It is raised
// before any cloud resource is requested.
type ConfigError struct {
	errs *multierror.Error
}

func (e *ConfigError) Error() string {
	if e.errs == nil || len(e.errs.Errors) == 0 {
		return "invalid topology configuration"
	}
	if len(e.errs.Errors) == 1 {
		return fmt.Sprintf("invalid topology configuration: %s", e.errs.Errors[0])
	}
	return fmt.Sprintf("invalid topology configuration: %s", e.errs.Error())
}

func (e *ConfigError) Unwrap() []error {
	if e.errs == nil {
		return nil
	}
	return e.errs.WrappedErrors()
}

// Problems lists every individual validation failure.
func (e *ConfigError) Problems() []error {
	return e.Unwrap()
}

// IsConfigError reports whether err (or anything it wraps) is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// problems collects validation failures. The zero value is ready to use.
type problems struct {
	errs *multierror.Error
}

func (p *problems) add(format string, args ...interface{}) {
	p.errs = multierror.Append(p.errs, fmt.Errorf(format, args...))
}

func (p *problems) merge(err error) {
	if err == nil {
		return
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		for _, e := range ce.Problems() {
			p.errs = multierror.Append(p.errs, e)
		}
		return
	}
	p.errs = multierror.Append(p.errs, err)
}

func (p *problems) err() error {
	if p.errs == nil || len(p.errs.Errors) == 0 {
		return nil
	}
	return &ConfigError{errs: p.errs}
}
