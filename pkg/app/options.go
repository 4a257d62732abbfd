package app

import (
	cliflag "k8s.io/component-base/cli/flag"
)

// NamedFlagSetOptions is implemented by the options object of every command.
// Flags are grouped into named sets so help output stays readable.
type NamedFlagSetOptions interface {
	// Flags returns the flag sets, keyed by section name.
	Flags() cliflag.NamedFlagSets

	// Complete fills in fields derived from other fields after parsing.
	Complete() error

	// Validate checks the completed options.
	Validate() error
}
