package playback

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/lexiqai/converse-gateway/internal/stream"
)

// Message is one dispatched server-sent event
type Message struct {
	Event string
	Data  []byte
}

// Reader parses a text/event-stream body
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps an event-stream body
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &Reader{scanner: scanner}
}

// Next returns the next event, or io.EOF once the stream is exhausted
func (r *Reader) Next() (Message, error) {
	var (
		msg     Message
		data    bytes.Buffer
		hasData bool
	)

	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if hasData {
				msg.Data = data.Bytes()
				return msg, nil
			}
			msg = Message{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			msg.Event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Message{}, err
	}
	if hasData {
		msg.Data = data.Bytes()
		return msg, nil
	}
	return Message{}, io.EOF
}

// IsEnd reports whether the message is the terminal event
func (m Message) IsEnd() bool {
	return m.Event == stream.EndEventName
}

// Sentence decodes a sentence event
func (m Message) Sentence() (stream.Event, error) {
	var ev stream.Event
	err := sonic.Unmarshal(m.Data, &ev)
	return ev, err
}

// End decodes the terminal event
func (m Message) End() (stream.EndEvent, error) {
	var end stream.EndEvent
	err := sonic.Unmarshal(m.Data, &end)
	return end, err
}
