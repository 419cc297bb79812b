//go:build !linux

package backend

import "os"

func punchHole(_ *os.File, fio fileIO, off, length int64) error {
	return zeroFill(fio, off, length)
}
