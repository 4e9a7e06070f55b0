package image

import "errors"

var (
	// ErrIntegrity is returned when a measured partition does not match the
	// sealed digest table, or when the table itself fails authentication.
	ErrIntegrity = errors.New("instance image integrity check failed")

	// ErrMalformed is returned when the image container cannot be parsed.
	ErrMalformed = errors.New("malformed instance image")

	// ErrNoPartition is returned when a partition id is not present.
	ErrNoPartition = errors.New("partition not found")
)
