//go:build !unix

package device

import (
	"fmt"
	"runtime"
)

// Resolve is unsupported off unix; there is no st_dev to key checkpoints on.
func (Resolver) Resolve(path string) (Target, error) {
	return Target{}, fmt.Errorf("device resolution requires a unix platform; running on %s", runtime.GOOS)
}
