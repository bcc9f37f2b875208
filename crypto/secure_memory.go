package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe overwrites key material held in data. It returns an error if
// data is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)

	// Keep the compiler from eliding the overwrite.
	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)

	return nil
}

// ZeroBytes wipes data, ignoring nil slices. Used for derived secrets that
// go out of scope, such as agreement scalars and arm keys.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}
