//go:build unix

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// watchVisibility maps SIGUSR1 to hidden and SIGUSR2 to visible, so a
// terminal multiplexer hook can pause polling for a backgrounded pane.
func watchVisibility(setVisible func(bool)) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-ch:
				setVisible(sig == syscall.SIGUSR2)
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
