//go:build !linux

package virtblk

import "os"

func fdatasync(f *os.File) error {
	return f.Sync()
}

func punchHole(f *os.File, off, length int64) error {
	return ErrPunchHoleUnsupported
}

func zeroRange(f *os.File, off, length int64) error {
	return ErrPunchHoleUnsupported
}
