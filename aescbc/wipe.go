package aescbc

import "runtime"

// Wipe overwrites b with zeros. Sensitive intermediates (keys, challenge
// words, decrypted parameters) go through here before they are released.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

func zero(b []byte) { Wipe(b) }
