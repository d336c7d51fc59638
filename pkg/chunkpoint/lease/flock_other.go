//go:build !unix

package lease

import (
	"errors"
	"os"
)

var errWouldBlock = errors.New("lock held")

func lockFile(*os.File) error {
	return errors.ErrUnsupported
}

func unlockFile(*os.File) error {
	return nil
}
