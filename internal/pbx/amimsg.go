package pbx

import (
	"bytes"
)

// Message is one decoded AMI frame: header keys to values. Duplicate keys
// keep the last value seen.
type Message map[string]string

// Get returns the value for key, or "" when absent.
func (m Message) Get(key string) string {
	return m[key]
}

// IsResponse reports whether the message answers an action.
func (m Message) IsResponse() bool {
	_, ok := m["Response"]
	return ok
}

// IsEvent reports whether the message is an unsolicited event.
func (m Message) IsEvent() bool {
	_, ok := m["Event"]
	return ok
}

// msgBuffer accumulates wire bytes across reads and yields complete AMI
// messages. Frames are `Key: Value\r\n` header lines terminated by a blank
// line (`\r\n\r\n`); a frame may arrive split over any number of reads.
type msgBuffer struct {
	buf []byte
}

var msgTerminator = []byte("\r\n\r\n")

// feed appends data and returns every complete message now available.
func (b *msgBuffer) feed(data []byte) []Message {
	b.buf = append(b.buf, data...)

	var msgs []Message
	for {
		idx := bytes.Index(b.buf, msgTerminator)
		if idx < 0 {
			return msgs
		}
		raw := b.buf[:idx]
		b.buf = b.buf[idx+len(msgTerminator):]

		if m := parseAMIMessage(raw); len(m) > 0 {
			msgs = append(msgs, m)
		}
	}
}

// parseAMIMessage decodes one frame's header lines. Lines without a colon
// are tolerated and skipped.
func parseAMIMessage(raw []byte) Message {
	m := Message{}
	for _, line := range bytes.Split(raw, []byte("\r\n")) {
		if len(line) == 0 {
			continue
		}
		key, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		m[string(bytes.TrimSpace(key))] = string(bytes.TrimSpace(value))
	}
	return m
}
