package helpers

// Zero overwrites b with zeros. Used for key material once an operation ends.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
