package vmconfig

import "errors"

var (
	// ErrConfig is returned when a config fails validation at build time
	ErrConfig = errors.New("invalid virtual machine config")

	// ErrIncompatible is returned when a config change would alter the VM identity
	ErrIncompatible = errors.New("config is incompatible with the VM identity")
)
