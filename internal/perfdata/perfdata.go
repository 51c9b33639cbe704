// ABOUTME: Parser for the HotSpot hsperfdata shared-memory buffer (format v2).
// ABOUTME: Extracts runtime identity facts without attaching to the target process.

package perfdata

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is stored big-endian at offset 0 regardless of the buffer's byte order.
const Magic uint32 = 0xcafec0c0

// Well-known counter names.
const (
	KeyCommand      = "sun.rt.javaCommand"
	KeyClassPath    = "java.property.java.class.path"
	KeyVMName       = "java.property.java.vm.name"
	KeyVMVendor     = "java.property.java.vm.vendor"
	KeyVMVersion    = "java.property.java.vm.version"
	KeyCapabilities = "sun.rt.jvmCapabilities"
	KeyVMArgs       = "java.rt.vmArgs"
)

const (
	prologueSize    = 32
	entryHeaderSize = 20

	typeByte = 'B'
	typeLong = 'J'
)

var (
	// ErrBadMagic indicates the buffer is not an hsperfdata file.
	ErrBadMagic = errors.New("bad perfdata magic")

	// ErrUnsupportedVersion indicates a prologue major version other than 2.
	ErrUnsupportedVersion = errors.New("unsupported perfdata version")

	// ErrTruncated indicates offsets point outside the buffer.
	ErrTruncated = errors.New("truncated perfdata buffer")
)

// Data is a decoded perfdata buffer.
type Data struct {
	MajorVersion int
	MinorVersion int
	Accessible   bool
	Strings      map[string]string
	Longs        map[string]int64
}

// Attachable reports whether the runtime advertises dynamic attach support.
func (d *Data) Attachable() bool {
	caps := d.Strings[KeyCapabilities]
	return len(caps) > 0 && caps[0] == '1'
}

// Info returns the identity facts carried by the buffer.
func (d *Data) Info() *Info {
	cmd := d.Strings[KeyCommand]
	return &Info{
		CommandLine: cmd,
		MainClass:   MainClass(cmd),
		ClassPath:   d.Strings[KeyClassPath],
		VMName:      d.Strings[KeyVMName],
		VMVendor:    d.Strings[KeyVMVendor],
		VMVersion:   d.Strings[KeyVMVersion],
		VMArgs:      d.Strings[KeyVMArgs],
	}
}

// Info holds the facts the registry needs from a perfdata buffer.
type Info struct {
	CommandLine string
	MainClass   string
	ClassPath   string
	VMName      string
	VMVendor    string
	VMVersion   string

	// VMArgs holds the JVM options (-D, -X, -javaagent); javaCommand omits them.
	VMArgs string
}

// Parse decodes an hsperfdata buffer. String values are copied out so buf may
// be unmapped afterwards.
func Parse(buf []byte) (*Data, error) {
	if len(buf) < prologueSize {
		return nil, ErrTruncated
	}
	if binary.BigEndian.Uint32(buf[0:4]) != Magic {
		return nil, ErrBadMagic
	}

	var order binary.ByteOrder = binary.BigEndian
	if buf[4] == 1 {
		order = binary.LittleEndian
	}

	d := &Data{
		MajorVersion: int(buf[5]),
		MinorVersion: int(buf[6]),
		Accessible:   buf[7] != 0,
		Strings:      make(map[string]string),
		Longs:        make(map[string]int64),
	}
	if d.MajorVersion != 2 {
		return nil, fmt.Errorf("%w: %d.%d", ErrUnsupportedVersion, d.MajorVersion, d.MinorVersion)
	}

	entryOffset := int(int32(order.Uint32(buf[24:28])))
	numEntries := int(int32(order.Uint32(buf[28:32])))

	off := entryOffset
	for i := 0; i < numEntries; i++ {
		if off < 0 || off+entryHeaderSize > len(buf) {
			return nil, fmt.Errorf("%w: entry %d header at %d", ErrTruncated, i, off)
		}
		entryLen := int(int32(order.Uint32(buf[off:])))
		nameOff := int(int32(order.Uint32(buf[off+4:])))
		vectorLen := int(int32(order.Uint32(buf[off+8:])))
		dataType := buf[off+12]
		dataOff := int(int32(order.Uint32(buf[off+16:])))

		if entryLen <= 0 || off+entryLen > len(buf) {
			return nil, fmt.Errorf("%w: entry %d length %d", ErrTruncated, i, entryLen)
		}
		entry := buf[off : off+entryLen]

		name, err := cString(entry, nameOff)
		if err != nil {
			return nil, fmt.Errorf("entry %d name: %w", i, err)
		}

		switch {
		case dataType == typeByte && vectorLen > 0:
			if dataOff < 0 || dataOff+vectorLen > len(entry) {
				return nil, fmt.Errorf("%w: entry %s data", ErrTruncated, name)
			}
			d.Strings[name] = trimNul(entry[dataOff : dataOff+vectorLen])
		case dataType == typeLong && vectorLen == 0:
			if dataOff < 0 || dataOff+8 > len(entry) {
				return nil, fmt.Errorf("%w: entry %s data", ErrTruncated, name)
			}
			d.Longs[name] = int64(order.Uint64(entry[dataOff:]))
		}

		off += entryLen
	}

	return d, nil
}

func cString(b []byte, off int) (string, error) {
	if off < 0 || off >= len(b) {
		return "", ErrTruncated
	}
	for i := off; i < len(b); i++ {
		if b[i] == 0 {
			return string(b[off:i]), nil
		}
	}
	return "", ErrTruncated
}

func trimNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
