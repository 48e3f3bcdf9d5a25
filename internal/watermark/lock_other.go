//go:build !unix

package watermark

// Without flock the in-process mutex is the only guard.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
