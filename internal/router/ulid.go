package router

import "github.com/oklog/ulid/v2"

// newULID returns the random component of a request id. Cryptographic
// unpredictability is not required, only uniqueness for the lifetime of
// the connection.
func newULID() string {
	return ulid.Make().String()
}
