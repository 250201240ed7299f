// Package app defines the contract between command options and the
// application bootstrap in pkg/infra/app.
package app

import "github.com/kart-io/studymate/pkg/app/cliflag"

// CliOptions is implemented by the option set of a command.
type CliOptions interface {
	// Flags returns the flags grouped by concern.
	Flags() cliflag.NamedFlagSets
	// Complete fills derived and default values after loading.
	Complete() error
	// Validate validates the options.
	Validate() error
}

// PrintableOptions is an optional interface for options that can print themselves.
type PrintableOptions interface {
	String() string
}
