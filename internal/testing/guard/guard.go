// Package guard puts any test binary that imports it into test mode and
// points external endpoints at addresses nothing listens on.
package guard

import "os"

var defaults = map[string]string{
	"AUTHZ_TEST_MODE": "1",
	"ECP_BASE_URL":    "http://127.0.0.1:0",
}

func init() {
	for key, value := range defaults {
		if os.Getenv(key) == "" {
			_ = os.Setenv(key, value)
		}
	}
}
