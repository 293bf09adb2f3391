package main

import (
	"io"
	"os"
)

// openStream resolves the --stream flag to a reader: "-" (or empty)
// means stdin, anything else is opened as a file path.
func openStream(path string) (io.Reader, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdin, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
