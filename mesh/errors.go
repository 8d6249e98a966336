package mesh

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration matches every *ConfigurationError via errors.Is.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotReady is returned by asynchronous operations requested before
	// the viewport or surface has attached. Pure projection functions report
	// the same condition as ok=false instead.
	ErrNotReady = errors.New("viewport not ready")

	// ErrBackendUnavailable signals that the rendering backend lacks a
	// requested capability. Callers are expected to degrade gracefully.
	ErrBackendUnavailable = errors.New("backend capability unavailable")

	// ErrUnknownEntity is returned when an entity ID is not owned by the layer.
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrZoomOnClickDisabled is returned by ClickGroup when the option is off.
	ErrZoomOnClickDisabled = errors.New("zoom on click disabled")

	// ErrSuperseded is returned by draw callbacks that noticed a newer
	// redraw was requested while they ran.
	ErrSuperseded = errors.New("redraw superseded")
)

// ConfigurationError reports a rejected option change. The rejected change is
// never partially applied.
type ConfigurationError struct {
	Option string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Option, e.Reason)
}

// Is makes errors.Is(err, ErrConfiguration) true for any ConfigurationError.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func immutableOptionError(option string) error {
	return &ConfigurationError{
		Option: option,
		Reason: "cannot be changed after entities have been materialized",
	}
}
