package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// MaxLineSize bounds a single line of an event stream.
const MaxLineSize = 1 << 20

// ErrLineTooLong is returned when a line exceeds MaxLineSize.
var ErrLineTooLong = errors.New("sse: line too long")

// Event is one parsed event. Raw is set when the event carried lines that are
// not event-stream fields (an unframed write); those lines become Data.
type Event struct {
	ID    string
	Event string
	Data  string
	Raw   bool
}

// Reader parses events from an event-stream body.
type Reader struct {
	r      *bufio.Reader
	lastID string
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next event with any data. Events without data are skipped,
// and io.EOF is returned once the body ends.
func (r *Reader) Next() (Event, error) {
	var (
		ev      Event
		data    [][]byte
		hasData bool
	)
	emit := func() Event {
		ev.Data = string(bytes.Join(data, []byte("\n")))
		if ev.ID == "" {
			ev.ID = r.lastID
		}
		return ev
	}
	for {
		line, err := r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) && hasData {
				return emit(), nil
			}
			return Event{}, err
		}

		if len(line) == 0 {
			if hasData {
				return emit(), nil
			}
			ev = Event{}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, found := bytes.Cut(line, []byte(":"))
		if found && len(value) > 0 && value[0] == ' ' {
			value = value[1:]
		}
		switch string(field) {
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			if found {
				r.lastID = string(value)
				ev.ID = r.lastID
			}
		case "event":
			ev.Event = string(value)
		case "retry":
		default:
			data = append(data, line)
			hasData = true
			ev.Raw = true
		}
	}
}

func (r *Reader) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.r.ReadLine()
		if err != nil {
			if len(buf) > 0 && errors.Is(err, io.EOF) {
				return buf, nil
			}
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > MaxLineSize {
			return nil, ErrLineTooLong
		}
		if !isPrefix {
			return bytes.TrimRight(buf, "\r"), nil
		}
	}
}
