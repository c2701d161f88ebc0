// Package util contains utility analyzer functionality.
package util

import (
	"sync"
)

// ClosingChannel returns a channel that closes when the wait group
// is done.
func ClosingChannel(wg *sync.WaitGroup) <-chan struct{} {
	c := make(chan struct{})
	go func() {
		wg.Wait()
		close(c)
	}()
	return c
}
