//go:build !unix

package oram

func lockMemory(b []byte) error {
	return nil
}

func unlockMemory(b []byte) error {
	return nil
}
