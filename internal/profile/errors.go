package profile

import "errors"

var (
	// ErrProfileNotFound is returned when no profile has the given id.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrProfileExists is returned when creating a profile whose name is taken.
	ErrProfileExists = errors.New("profile already exists")

	// ErrDeleteDefault is returned when deleting the default profile.
	ErrDeleteDefault = errors.New("default profile cannot be deleted")

	// ErrDeleteLast is returned when deleting the only remaining profile.
	ErrDeleteLast = errors.New("last remaining profile cannot be deleted")

	// ErrMissingID is returned when an operation requires a profile id and
	// none was given.
	ErrMissingID = errors.New("profile id is required")
)
