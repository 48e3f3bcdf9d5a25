//go:build !unix

package main

func watchVisibility(func(bool)) func() {
	return func() {}
}
