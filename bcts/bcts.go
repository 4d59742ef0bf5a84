// Package bcts is a small binary codec, little endian with length prefixed strings and bytes.
package bcts

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const maxUint16 = ^uint16(0)

type Writer interface {
	WriteBytes(io.Writer) error
}

type Reader[T any] interface {
	ReadBytes(io.Reader) error
	*T
}

// ReadReader reads one value of BT through its pointer reader.
func ReadReader[BT any, T Reader[BT]](r io.Reader) (BT, error) {
	bv := new(BT)
	v := T(bv)
	err := v.ReadBytes(r)
	return *v, err
}

func WriteInt64[T ~int64](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteUInt64[T ~uint64](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteUInt16[T ~uint16](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteUInt32[T ~uint32](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteUInt8[T ~uint8](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteSmallString[T ~string](w io.Writer, s T) error {
	l := len(s)
	if l > int(maxUint16) {
		return fmt.Errorf("string is longer than max length of a small string")
	}
	err := WriteUInt16(w, uint16(l))
	if err != nil {
		return err
	}
	if l == 0 {
		return nil
	}
	return writeAll(w, []byte(s))
}

func WriteBytes(w io.Writer, b []byte) error {
	l := uint32(len(b))
	err := WriteUInt32(w, l)
	if err != nil {
		return err
	}
	if l == 0 {
		return nil
	}
	return writeAll(w, b)
}

func WriteTime(w io.Writer, t time.Time) error {
	return WriteInt64(w, t.UTC().UnixNano())
}

func ReadInt64[T ~int64](r io.Reader, i *T) error {
	return binary.Read(r, binary.LittleEndian, i)
}

func ReadUInt64[T ~uint64](r io.Reader, i *T) error {
	return binary.Read(r, binary.LittleEndian, i)
}

func ReadUInt32[T ~uint32](r io.Reader, i *T) error {
	return binary.Read(r, binary.LittleEndian, i)
}

func ReadUInt16[T ~uint16](r io.Reader, i *T) error {
	return binary.Read(r, binary.LittleEndian, i)
}

func ReadUInt8[T ~uint8](r io.Reader, i *T) error {
	return binary.Read(r, binary.LittleEndian, i)
}

func ReadSmallString[T ~string](r io.Reader, s *T) error {
	var l uint16
	err := ReadUInt16(r, &l)
	if err != nil {
		return err
	}
	buf := make([]byte, l)
	_, err = io.ReadFull(r, buf)
	if err != nil {
		return err
	}
	*s = T(buf)
	return nil
}

func ReadBytes[T ~[]byte](r io.Reader, b *T) error {
	var l uint32
	err := ReadUInt32(r, &l)
	if err != nil {
		return err
	}
	*b = make([]byte, l)
	_, err = io.ReadFull(r, *b)
	return err
}

func ReadTime(r io.Reader, t *time.Time) error {
	var ns int64
	err := ReadInt64(r, &ns)
	if err != nil {
		return err
	}
	*t = time.Unix(0, ns).UTC()
	return nil
}

func writeAll(w io.Writer, b []byte) error {
	written := 0
	for written < len(b) {
		n, err := w.Write(b[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}
