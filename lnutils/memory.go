package lnutils

// Ptr returns a pointer to a copy of v, for optional fields filled from
// function results or constants.
func Ptr[T any](v T) *T {
	return &v
}
