//go:build !unix

package backing

import (
	"os"
)

type File struct {
	name string
	data []byte
}

func OpenFile(pn string) (*File, error) {
	b, err := os.ReadFile(pn)
	if err != nil {
		return nil, err
	}
	return &File{name: pn, data: b}, nil
}

func (f *File) Name() string {
	return f.name
}

func (f *File) Data() []byte {
	return f.data
}

func (f *File) Size() int64 {
	return int64(len(f.data))
}

func (f *File) Close() error {
	f.data = nil
	return nil
}
