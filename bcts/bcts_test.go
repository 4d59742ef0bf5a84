package bcts

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestStringsAndBytes(t *testing.T) {
	buf := &bytes.Buffer{}
	err := WriteSmallString(buf, "category")
	if err != nil {
		t.Fatal(err)
	}
	err = WriteBytes(buf, []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	err = WriteBytes(buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	var s string
	var b, empty []byte
	if err = ReadSmallString(buf, &s); err != nil || s != "category" {
		t.Fatal("string", s, err)
	}
	if err = ReadBytes(buf, &b); err != nil || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Fatal("bytes", b, err)
	}
	if err = ReadBytes(buf, &empty); err != nil || len(empty) != 0 {
		t.Fatal("empty bytes", empty, err)
	}
	if err = ReadSmallString(buf, &s); !errors.Is(err, io.EOF) {
		t.Fatal("expected EOF, got", err)
	}
}

func TestTimeKeepsNanoseconds(t *testing.T) {
	now := time.Date(2024, 2, 29, 12, 30, 0, 123456789, time.UTC)
	buf := &bytes.Buffer{}
	err := WriteTime(buf, now)
	if err != nil {
		t.Fatal(err)
	}
	var read time.Time
	err = ReadTime(buf, &read)
	if err != nil {
		t.Fatal(err)
	}
	if !read.Equal(now) {
		t.Fatal("expected", now, "got", read)
	}
}

func TestSmallStringLimit(t *testing.T) {
	err := WriteSmallString(&bytes.Buffer{}, strings.Repeat("x", int(maxUint16)+1))
	if err == nil {
		t.Fatal("expected error for oversized string")
	}
}
