package config

import "github.com/fathomdata/ommreactor/internal/reactorerr"

// fieldErr builds an InvalidArgument error naming the offending field,
// matching spec.md §7's requirement that construction failures name
// the field that caused them.
func fieldErr(field, msg string) error {
	return reactorerr.InvalidField(field, msg)
}
