// The backing package provides the storage an image is loaded from:
// an in-memory byte slice or a read-only mapping of a file.
package backing

import (
	"bytes"
	"fmt"
	"io"

	humanize "github.com/dustin/go-humanize"
)

type Backing interface {
	Name() string
	Data() []byte
	Size() int64
	Close() error
}

// Open an io.ReaderAt over a backing, for parsers that want one.
func Reader(b Backing) io.ReaderAt {
	return bytes.NewReader(b.Data())
}

func String(b Backing) string {
	return fmt.Sprintf("{%q %v}", b.Name(), humanize.IBytes(uint64(b.Size())))
}

type Mem struct {
	name string
	data []byte
}

func NewMem(name string, data []byte) *Mem {
	return &Mem{name: name, data: data}
}

func (m *Mem) Name() string {
	return m.name
}

func (m *Mem) Data() []byte {
	return m.data
}

func (m *Mem) Size() int64 {
	return int64(len(m.data))
}

func (m *Mem) Close() error {
	return nil
}
