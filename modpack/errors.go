package modpack

import "errors"

var (
	// ErrPathEscape is returned when a manifest or archive path would land
	// outside the bundle root.
	ErrPathEscape = errors.New("modpack: path escapes bundle root")

	// ErrManifestInvalid is returned when mod.yaml is missing required
	// fields or cannot be parsed.
	ErrManifestInvalid = errors.New("modpack: manifest invalid")

	// ErrRequires is returned when a bundle's declared requirement is not
	// satisfied by the loaded set.
	ErrRequires = errors.New("modpack: requirement not satisfied")
)
