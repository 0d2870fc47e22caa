package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"mqtt-capture/internal/capture"
)

// flushThreshold bounds the bytes buffered between periodic flushes.
const flushThreshold = 256 << 10

// FileWriter appends records to a local file as CSV, JSON lines or CBOR.
// With zstd compression each flush is written as one independent frame,
// so the file stays a valid concatenation of frames.
//
// A failed flush truncates the file back to the end of the last good
// flush, so a partial write never leaves a torn record in the middle of
// the file. The writer refuses further writes after that.
//
// FileWriter is not safe for concurrent use; Sink serializes access.
type FileWriter struct {
	path       string
	format     Format
	compress   bool
	file       *os.File
	offset     int64 // end of the last successful flush
	buf        bytes.Buffer
	pending    int // records in buf
	err        error
	csv        *csv.Writer
	zstd       *zstd.Encoder
	last       uint64
	needHeader bool
	truncated  int
}

var _ BufferedWriter = (*FileWriter)(nil)

// OpenFile opens or creates the capture file at path. Existing content is
// scanned to recover the last sequence; an incomplete trailing record in
// an uncompressed file is truncated.
func OpenFile(path string, format Format, compression string) (*FileWriter, error) {
	if _, err := ParseFormat(string(format)); err != nil {
		return nil, err
	}
	compress := false
	switch compression {
	case "", "none":
	case "zstd":
		compress = true
	default:
		return nil, fmt.Errorf("unknown compression %q", compression)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create capture directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}

	w := &FileWriter{
		path:     path,
		format:   format,
		compress: compress,
		file:     f,
	}
	if err := w.recover(); err != nil {
		f.Close()
		return nil, err
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek capture file: %w", err)
	}
	w.offset = end

	w.csv = csv.NewWriter(&w.buf)
	if compress {
		w.zstd, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}
	return w, nil
}

func (w *FileWriter) recover() error {
	data, err := io.ReadAll(w.file)
	if err != nil {
		return fmt.Errorf("failed to read capture file: %w", err)
	}
	w.needHeader = w.format == FormatCSV && len(data) == 0
	if len(data) == 0 {
		return nil
	}

	if w.compress {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()

		raw, err := dec.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("capture file %s is not a valid zstd stream: %w", w.path, err)
		}
		res, err := scan(raw, w.format, nil)
		if err != nil {
			return fmt.Errorf("capture file %s: %w", w.path, err)
		}
		if res.good != len(raw) {
			return fmt.Errorf("capture file %s: incomplete record inside a compressed frame", w.path)
		}
		w.last = res.last
		w.needHeader = w.format == FormatCSV && !res.header
		return nil
	}

	res, err := scan(data, w.format, nil)
	if err != nil {
		return fmt.Errorf("capture file %s: %w", w.path, err)
	}
	if res.good < len(data) {
		if err := w.file.Truncate(int64(res.good)); err != nil {
			return fmt.Errorf("failed to truncate torn record: %w", err)
		}
		w.truncated = len(data) - res.good
	}
	w.last = res.last
	w.needHeader = w.format == FormatCSV && !res.header
	return nil
}

// Truncated returns how many bytes of torn trailing data were removed on
// open.
func (w *FileWriter) Truncated() int { return w.truncated }

func (w *FileWriter) Path() string { return w.path }

func (w *FileWriter) Write(_ context.Context, rec capture.Record) error {
	if w.err != nil {
		return w.err
	}
	w.pending++
	mark := w.buf.Len()
	if err := w.encode(&rec); err != nil {
		w.buf.Truncate(mark)
		return err
	}
	w.last = rec.Sequence

	if w.buf.Len() >= flushThreshold {
		return w.flush()
	}
	return nil
}

func (w *FileWriter) encode(rec *capture.Record) error {
	switch w.format {
	case FormatCSV:
		if w.needHeader {
			if err := w.csv.Write(CSVHeader); err != nil {
				return err
			}
		}
		if err := w.csv.Write(csvRow(rec)); err != nil {
			return err
		}
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			return err
		}
		w.needHeader = false
	case FormatJSONL:
		b, err := json.Marshal(toJSONRow(rec))
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		w.buf.Write(b)
		w.buf.WriteByte('\n')
	case FormatCBOR:
		b, err := cborEnc.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		w.buf.Write(b)
	}
	return nil
}

func (w *FileWriter) Flush(context.Context) error {
	return w.flush()
}

func (w *FileWriter) flush() error {
	if w.err != nil {
		return w.err
	}
	if w.buf.Len() == 0 {
		return nil
	}
	data := w.buf.Bytes()
	if w.compress {
		data = w.zstd.EncodeAll(data, nil)
	}
	if _, err := w.file.Write(data); err != nil {
		w.err = fmt.Errorf("failed to write capture file: %w", err)
		w.rewind()
		return w.err
	}
	w.offset += int64(len(data))
	w.buf.Reset()
	w.pending = 0
	return nil
}

// rewind cuts a partial flush off the end of the file.
func (w *FileWriter) rewind() {
	if err := w.file.Truncate(w.offset); err != nil {
		return
	}
	_, _ = w.file.Seek(w.offset, io.SeekStart)
}

// Buffered returns how many written records have not reached the file.
func (w *FileWriter) Buffered() int { return w.pending }

// Discard drops the buffered records.
func (w *FileWriter) Discard() {
	w.buf.Reset()
	w.pending = 0
}

func (w *FileWriter) LastSequence(context.Context) (uint64, error) {
	return w.last, nil
}

// Close flushes and closes the file. After a failed flush nothing more is
// written.
func (w *FileWriter) Close(context.Context) error {
	var flushErr error
	if w.err == nil {
		flushErr = w.flush()
	}
	if w.zstd != nil {
		w.zstd.Close()
	}
	if err := w.file.Sync(); err != nil && flushErr == nil {
		flushErr = fmt.Errorf("failed to sync capture file: %w", err)
	}
	if err := w.file.Close(); err != nil && flushErr == nil {
		flushErr = fmt.Errorf("failed to close capture file: %w", err)
	}
	return flushErr
}

// ReadFile decodes every complete record of a capture file.
func ReadFile(path string, format Format, compression string) ([]capture.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if compression == "zstd" && len(data) > 0 {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		if data, err = dec.DecodeAll(data, nil); err != nil {
			return nil, fmt.Errorf("failed to decompress capture file: %w", err)
		}
	}

	var out []capture.Record
	if _, err := scan(data, format, func(rec capture.Record) { out = append(out, rec) }); err != nil {
		return nil, err
	}
	return out, nil
}
