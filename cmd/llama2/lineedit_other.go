//go:build !linux

package main

import "errors"

// Line editing is only wired up for Linux terminals; elsewhere input is read
// as plain lines.
func isTerminal(int) bool { return false }

func makeRaw(int) (func(), error) {
	return nil, errors.New("raw terminal mode is not supported on this platform")
}
