// Package guard flips the runtime into test mode on import so a test binary
// can never start the real server entrypoints.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("CLEARLEDGER_TEST_MODE") == "" {
			_ = os.Setenv("CLEARLEDGER_TEST_MODE", "1")
		}
	})
}
