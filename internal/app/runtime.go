package app

import (
	"os"
	"sync/atomic"

	"github.com/spf13/cast"
)

// TestModeEnv makes the binaries return before opening connections.
const TestModeEnv = "AUTHZ_TEST_MODE"

var testMode atomic.Pointer[bool]

// InTestMode reports whether the binaries should skip startup. Any truthy
// value of AUTHZ_TEST_MODE counts ("1", "true").
func InTestMode() bool {
	if v := testMode.Load(); v != nil {
		return *v
	}
	return RefreshTestMode()
}

// RefreshTestMode re-reads the environment, for tests that toggle it.
func RefreshTestMode() bool {
	on := cast.ToBool(os.Getenv(TestModeEnv))
	testMode.Store(&on)
	return on
}
