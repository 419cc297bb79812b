//go:build !linux || !giouring

package backend

import "os"

func newFileIO(f *os.File) (fileIO, error) {
	return preadIO{f: f}, nil
}
