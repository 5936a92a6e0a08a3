//go:build unix

package backing

import (
	"os"

	"golang.org/x/sys/unix"

	db "compmon/debug"
)

// A read-only, shared mapping of a file.
type File struct {
	name string
	data []byte
}

func OpenFile(pn string) (*File, error) {
	f, err := os.Open(pn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	fb := &File{name: pn}
	if st.Size() == 0 {
		return fb, nil
	}
	b, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, &os.PathError{Op: "mmap", Path: pn, Err: err}
	}
	fb.data = b
	db.DPrintf(db.SELECTOR, "mmap %v", String(fb))
	return fb, nil
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
	if f.data == nil {
		return nil
	}
	err := unix.Munmap(f.data)
	f.data = nil
	return err
}
