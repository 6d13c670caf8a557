//go:build !unix && !windows

package platform

import (
	"fmt"
	"os"
	"runtime"
)

func lockFile(_ *os.File) (InstanceLock, error) {
	return nil, fmt.Errorf("%w on %s", ErrInstanceLockUnsupported, runtime.GOOS)
}
