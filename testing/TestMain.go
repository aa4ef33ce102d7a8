// Package testing is imported by command tests so the binaries they link
// never dial real services.
package testing

import (
	"os"
	stdtesting "testing"

	_ "github.com/odyssey-erp/odyssey-authz/internal/testing/guard"
)

func TestMain(m *stdtesting.M) {
	os.Exit(m.Run())
}
