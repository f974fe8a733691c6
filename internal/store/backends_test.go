//go:build !integration

package store

import "testing"

// extraBackends returns the stores that need external services. Build with
// -tags integration to include them.
func extraBackends(*testing.T) map[string]Store {
	return nil
}
