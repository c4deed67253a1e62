package kernel

// Error describes a kernel error. The Go allocator is not available while the
// memory subsystem bootstraps itself so errors.New cannot be used. Instead,
// every error is declared as a package-level pointer to an Error value and
// compared by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
