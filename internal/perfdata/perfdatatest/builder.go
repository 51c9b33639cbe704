// ABOUTME: Builds synthetic hsperfdata buffers for tests in any package.
// ABOUTME: Lays out a v2 prologue and string/long entries in either byte order.

package perfdatatest

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
)

type entry struct {
	name  string
	str   string
	long  int64
	isStr bool
}

// Builder accumulates entries for a synthetic buffer.
type Builder struct {
	LittleEndian bool
	Major        byte
	Inaccessible bool
	entries      []entry
}

// New returns a little-endian v2.0 accessible builder.
func New() *Builder {
	return &Builder{LittleEndian: true, Major: 2}
}

// String adds a string counter.
func (b *Builder) String(name, value string) *Builder {
	b.entries = append(b.entries, entry{name: name, str: value, isStr: true})
	return b
}

// Long adds a long counter.
func (b *Builder) Long(name string, value int64) *Builder {
	b.entries = append(b.entries, entry{name: name, long: value})
	return b
}

// Attachable adds the capability counter with attach enabled or disabled.
func (b *Builder) Attachable(ok bool) *Builder {
	if ok {
		return b.String("sun.rt.jvmCapabilities", "1000000000000000000000000000000000000000000000000000000000000000")
	}
	return b.String("sun.rt.jvmCapabilities", "0000000000000000000000000000000000000000000000000000000000000000")
}

func align(n int) int {
	return (n + 7) &^ 7
}

// Bytes renders the buffer.
func (b *Builder) Bytes() []byte {
	var order binary.ByteOrder = binary.BigEndian
	if b.LittleEndian {
		order = binary.LittleEndian
	}

	const prologue = 32
	const header = 20

	var body []byte
	for _, e := range b.entries {
		nameOff := header
		dataOff := align(nameOff + len(e.name) + 1)
		var data []byte
		vectorLen := 0
		dataType := byte('J')
		if e.isStr {
			dataType = 'B'
			data = append([]byte(e.str), 0)
			vectorLen = len(data)
		} else {
			data = make([]byte, 8)
			order.PutUint64(data, uint64(e.long))
		}
		entryLen := align(dataOff + len(data))

		buf := make([]byte, entryLen)
		order.PutUint32(buf[0:], uint32(entryLen))
		order.PutUint32(buf[4:], uint32(nameOff))
		order.PutUint32(buf[8:], uint32(vectorLen))
		buf[12] = dataType
		buf[13] = 0
		buf[14] = 0
		buf[15] = 0
		order.PutUint32(buf[16:], uint32(dataOff))
		copy(buf[nameOff:], e.name)
		copy(buf[dataOff:], data)
		body = append(body, buf...)
	}

	out := make([]byte, prologue, prologue+len(body))
	binary.BigEndian.PutUint32(out[0:], 0xcafec0c0)
	if b.LittleEndian {
		out[4] = 1
	}
	out[5] = b.Major
	out[6] = 0
	if !b.Inaccessible {
		out[7] = 1
	}
	order.PutUint32(out[8:], uint32(prologue+len(body)))
	order.PutUint32(out[24:], prologue)
	order.PutUint32(out[28:], uint32(len(b.entries)))
	return append(out, body...)
}

// WriteFile writes the buffer as <root>/tmp/hsperfdata_<user>/<pid> and
// returns the path.
func (b *Builder) WriteFile(root, user string, pid int) (string, error) {
	dir := filepath.Join(root, "tmp", "hsperfdata_"+user)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, strconv.Itoa(pid))
	return path, os.WriteFile(path, b.Bytes(), 0644)
}
