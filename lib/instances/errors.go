package instances

import "errors"

var (
	// ErrNotFound is returned when no VM record exists under a name. A
	// successful delete leaves no record behind, so double-delete and
	// delete-of-never-existed are deliberately indistinguishable.
	ErrNotFound = errors.New("virtual machine not found")

	// ErrAlreadyExists is returned when creating over a live VM
	ErrAlreadyExists = errors.New("virtual machine already exists")

	// ErrInvalidState is returned when an operation is illegal for the VM's
	// current lifecycle state
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidName is returned for names that are not a single safe path
	// segment
	ErrInvalidName = errors.New("invalid virtual machine name")

	// ErrPermissionDenied is returned when secret material is requested
	// without a prior grant
	ErrPermissionDenied = errors.New("secret access denied")
)
