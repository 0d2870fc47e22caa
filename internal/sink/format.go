package sink

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"

	"mqtt-capture/internal/capture"
)

// Format is the on-disk row encoding of a file sink.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
	FormatCBOR  Format = "cbor"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatCSV, FormatJSONL, FormatCBOR:
		return f, nil
	default:
		return "", fmt.Errorf("unknown capture format %q", s)
	}
}

// CSVHeader is the header row of CSV capture files.
var CSVHeader = []string{
	"sequence", "timestamp", "broker_id", "topic", "payload",
	"payload_encoding", "payload_size", "qos", "retain",
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	cborEnc, err = opts.EncMode()
	if err != nil {
		panic("sink: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("sink: CBOR decoder initialization failed: " + err.Error())
	}
}

// errTornRecord marks an incomplete trailing record.
var errTornRecord = errors.New("torn trailing record")

// textPayload renders the payload for a text format. encoding/csv reads a
// quoted "\r\n" back as "\n", so CSV payloads holding a carriage return
// are base64 encoded as well.
func textPayload(rec *capture.Record, format Format) (string, string) {
	enc := rec.PayloadEncoding()
	if format == FormatCSV && bytes.IndexByte(rec.Payload, '\r') >= 0 {
		enc = capture.EncodingBase64
	}
	if enc == capture.EncodingBase64 {
		return base64.StdEncoding.EncodeToString(rec.Payload), enc
	}
	return string(rec.Payload), enc
}

func decodeTextPayload(payload, encoding string) ([]byte, error) {
	switch encoding {
	case capture.EncodingBase64:
		return base64.StdEncoding.DecodeString(payload)
	case capture.EncodingUTF8, "":
		if payload == "" {
			return nil, nil
		}
		return []byte(payload), nil
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", encoding)
	}
}

func csvRow(rec *capture.Record) []string {
	payload, enc := textPayload(rec, FormatCSV)
	return []string{
		strconv.FormatUint(rec.Sequence, 10),
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.BrokerID,
		rec.Topic,
		payload,
		enc,
		strconv.Itoa(rec.PayloadSize),
		strconv.Itoa(int(rec.QoS)),
		strconv.FormatBool(rec.Retain),
	}
}

func parseCSVRow(fields []string) (capture.Record, error) {
	var rec capture.Record
	if len(fields) != len(CSVHeader) {
		return rec, fmt.Errorf("expected %d fields, got %d", len(CSVHeader), len(fields))
	}
	var err error
	if rec.Sequence, err = strconv.ParseUint(fields[0], 10, 64); err != nil {
		return rec, fmt.Errorf("sequence: %w", err)
	}
	if rec.Timestamp, err = time.Parse(time.RFC3339Nano, fields[1]); err != nil {
		return rec, fmt.Errorf("timestamp: %w", err)
	}
	rec.BrokerID = fields[2]
	rec.Topic = fields[3]
	if rec.Payload, err = decodeTextPayload(fields[4], fields[5]); err != nil {
		return rec, err
	}
	if rec.PayloadSize, err = strconv.Atoi(fields[6]); err != nil {
		return rec, fmt.Errorf("payload_size: %w", err)
	}
	qos, err := strconv.ParseUint(fields[7], 10, 8)
	if err != nil {
		return rec, fmt.Errorf("qos: %w", err)
	}
	rec.QoS = byte(qos)
	if rec.Retain, err = strconv.ParseBool(fields[8]); err != nil {
		return rec, fmt.Errorf("retain: %w", err)
	}
	return rec, nil
}

type jsonRow struct {
	Sequence        uint64    `json:"sequence"`
	Timestamp       time.Time `json:"timestamp"`
	BrokerID        string    `json:"broker_id"`
	Topic           string    `json:"topic"`
	Payload         string    `json:"payload"`
	PayloadEncoding string    `json:"payload_encoding"`
	PayloadSize     int       `json:"payload_size"`
	QoS             byte      `json:"qos"`
	Retain          bool      `json:"retain"`
}

func toJSONRow(rec *capture.Record) jsonRow {
	payload, enc := textPayload(rec, FormatJSONL)
	return jsonRow{
		Sequence:        rec.Sequence,
		Timestamp:       rec.Timestamp.UTC(),
		BrokerID:        rec.BrokerID,
		Topic:           rec.Topic,
		Payload:         payload,
		PayloadEncoding: enc,
		PayloadSize:     rec.PayloadSize,
		QoS:             rec.QoS,
		Retain:          rec.Retain,
	}
}

func (r jsonRow) record() (capture.Record, error) {
	payload, err := decodeTextPayload(r.Payload, r.PayloadEncoding)
	if err != nil {
		return capture.Record{}, err
	}
	return capture.Record{
		Sequence:    r.Sequence,
		Timestamp:   r.Timestamp,
		BrokerID:    r.BrokerID,
		Topic:       r.Topic,
		Payload:     payload,
		PayloadSize: r.PayloadSize,
		QoS:         r.QoS,
		Retain:      r.Retain,
	}, nil
}

// scanResult describes the valid prefix of a capture file.
type scanResult struct {
	good    int    // bytes of complete records, header included
	last    uint64 // highest sequence seen
	records int
	header  bool
}

// scan walks the complete records in data, calling visit for each. A
// malformed record at the tail ends the scan with good pointing before
// it; malformed data followed by further records is an error.
func scan(data []byte, format Format, visit func(capture.Record)) (scanResult, error) {
	switch format {
	case FormatCSV:
		return scanCSV(data, visit)
	case FormatJSONL:
		return scanJSONL(data, visit)
	case FormatCBOR:
		return scanCBOR(data, visit)
	default:
		return scanResult{}, fmt.Errorf("unknown capture format %q", format)
	}
}

func (r *scanResult) add(rec capture.Record, visit func(capture.Record)) {
	r.records++
	if rec.Sequence > r.last {
		r.last = rec.Sequence
	}
	if visit != nil {
		visit(rec)
	}
}

func scanCSV(data []byte, visit func(capture.Record)) (scanResult, error) {
	var res scanResult
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	lastLine := bytes.Count(bytes.TrimSuffix(data, []byte("\n")), []byte("\n")) + 1

	for {
		fields, err := r.Read()
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) && pe.Line >= lastLine {
				return res, nil
			}
			return res, fmt.Errorf("csv record after offset %d: %w", res.good, err)
		}

		end := int(r.InputOffset())
		if data[end-1] != '\n' {
			return res, nil
		}

		if res.good == 0 && len(fields) > 0 && fields[0] == CSVHeader[0] {
			res.header = true
			res.good = end
			continue
		}
		rec, err := parseCSVRow(fields)
		if err != nil {
			if end == len(data) {
				return res, nil
			}
			return res, fmt.Errorf("csv record after offset %d: %w", res.good, err)
		}
		res.add(rec, visit)
		res.good = end
	}
}

func scanJSONL(data []byte, visit func(capture.Record)) (scanResult, error) {
	var res scanResult
	for res.good < len(data) {
		idx := bytes.IndexByte(data[res.good:], '\n')
		if idx < 0 {
			return res, nil
		}
		end := res.good + idx + 1
		line := bytes.TrimSpace(data[res.good:end])
		if len(line) == 0 {
			res.good = end
			continue
		}

		var row jsonRow
		err := json.Unmarshal(line, &row)
		var rec capture.Record
		if err == nil {
			rec, err = row.record()
		}
		if err != nil {
			if end == len(data) {
				return res, nil
			}
			return res, fmt.Errorf("jsonl record after offset %d: %w", res.good, err)
		}
		res.add(rec, visit)
		res.good = end
	}
	return res, nil
}

func scanCBOR(data []byte, visit func(capture.Record)) (scanResult, error) {
	var res scanResult
	dec := cborDec.NewDecoder(bytes.NewReader(data))
	for {
		var rec capture.Record
		err := dec.Decode(&rec)
		if err == io.EOF {
			return res, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("cbor record after offset %d: %w", res.good, err)
		}
		res.add(rec, visit)
		res.good = dec.NumBytesRead()
	}
}
