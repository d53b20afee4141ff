package util

import "runtime"

// Wipe zeroes key material in place. KeepAlive stops the compiler from
// eliding the stores as dead writes.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
