package ondisk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/iidesho/eventsource/bcts"
	"github.com/iidesho/eventsource/store"
)

// record is one event in an archive file. Version 0 layout: version, position,
// timestamp, category, id, event number, type, data, metadata.
type record struct {
	Position Position
	Record   store.EventRecord
}

func (e record) WriteBytes(w io.Writer) (err error) {
	err = bcts.WriteUInt8(w, uint8(0))
	if err != nil {
		return
	}
	err = bcts.WriteUInt64(w, e.Position)
	if err != nil {
		return
	}
	err = bcts.WriteTime(w, e.Record.Timestamp)
	if err != nil {
		return
	}
	err = bcts.WriteSmallString(w, e.Record.StreamID.Category)
	if err != nil {
		return
	}
	err = bcts.WriteSmallString(w, e.Record.StreamID.ID)
	if err != nil {
		return
	}
	err = bcts.WriteInt64(w, e.Record.EventNumber)
	if err != nil {
		return
	}
	err = bcts.WriteSmallString(w, e.Record.EventType)
	if err != nil {
		return
	}
	err = bcts.WriteBytes(w, e.Record.Data)
	if err != nil {
		return
	}
	return bcts.WriteBytes(w, e.Record.Metadata)
}

func (e *record) ReadBytes(r io.Reader) (err error) {
	var v uint8
	err = bcts.ReadUInt8(r, &v)
	if err != nil {
		return
	}
	if v != 0 {
		return fmt.Errorf("invalid archived event version, %s=%d, %s=%d", "expected", 0, "got", v)
	}
	err = bcts.ReadUInt64(r, &e.Position)
	if err != nil {
		return
	}
	err = bcts.ReadTime(r, &e.Record.Timestamp)
	if err != nil {
		return
	}
	err = bcts.ReadSmallString(r, &e.Record.StreamID.Category)
	if err != nil {
		return
	}
	err = bcts.ReadSmallString(r, &e.Record.StreamID.ID)
	if err != nil {
		return
	}
	err = bcts.ReadInt64(r, &e.Record.EventNumber)
	if err != nil {
		return
	}
	err = bcts.ReadSmallString(r, &e.Record.EventType)
	if err != nil {
		return
	}
	err = bcts.ReadBytes(r, &e.Record.Data)
	if err != nil {
		return
	}
	return bcts.ReadBytes(r, &e.Record.Metadata)
}

// readRecords streams the records of one archive file in order.
func readRecords(path string, yield func(record) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	for {
		_, err := r.Peek(1)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, err := bcts.ReadReader[record](r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("corrupt archive %s: %w", path, err)
		}
		if !yield(rec) {
			return nil
		}
	}
}

func loadRecords(path string) ([]record, error) {
	var records []record
	err := readRecords(path, func(r record) bool {
		records = append(records, r)
		return true
	})
	return records, err
}

func writeRecords(w io.Writer, records []record) error {
	bw := bufio.NewWriter(w)
	for _, r := range records {
		err := r.WriteBytes(bw)
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}
