//go:build !unix

package main

import "os"

type File struct {
	Name     string
	Contents []byte
}

func OpenFile(path string) (*File, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &File{Name: path, Contents: contents}, nil
}

func (f *File) Close() error { return nil }
