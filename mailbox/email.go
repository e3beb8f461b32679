package mailbox

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/polistern/pboted/pkg/errors"
)

// Header names this node reads and writes.
const (
	HeaderDHTKey         = "X-I2PBote-DHT-Key"
	HeaderDeleteAuthHash = "X-I2PBote-Delete-Auth-Hash"
	HeaderDeleted        = "X-I2PBote-Deleted"
)

// Email is one mail in a local box: parsed headers, the body, and its
// file of origin. Header order is preserved on re-serialization so
// round-tripping a file does not shuffle it.
type Email struct {
	headerOrder []string
	headers     map[string]string
	body        []byte

	filename string
	skip     bool
}

// ParseEmail parses an RFC 822 style message: header lines, a blank
// line, the body. Folding continuation lines are kept with their header.
func ParseEmail(data []byte) (*Email, error) {
	e := &Email{headers: make(map[string]string)}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var lastKey string
	inBody := false
	var body bytes.Buffer

	for scanner.Scan() {
		line := scanner.Text()
		if inBody {
			body.WriteString(line)
			body.WriteByte('\n')
			continue
		}
		if line == "" {
			inBody = true
			continue
		}

		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && lastKey != "" {
			e.headers[lastKey] += " " + strings.TrimSpace(line)
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Errorf("mailbox: header line without colon: %.40q", line)
		}
		key = strings.TrimSpace(key)
		canonical := e.canonicalKey(key)
		if _, exists := e.headers[canonical]; !exists {
			e.headerOrder = append(e.headerOrder, canonical)
		}
		e.headers[canonical] = strings.TrimSpace(value)
		lastKey = canonical
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Errorf("mailbox: scan message: %w", err)
	}

	e.body = body.Bytes()
	if len(e.headerOrder) == 0 {
		return nil, errors.New("mailbox: message without headers")
	}
	return e, nil
}

func (e *Email) canonicalKey(key string) string {
	lower := strings.ToLower(key)
	for _, existing := range e.headerOrder {
		if strings.ToLower(existing) == lower {
			return existing
		}
	}
	return key
}

// Field returns a header value, matching the name case-insensitively.
func (e *Email) Field(key string) string {
	return e.headers[e.canonicalKey(key)]
}

// SetField sets a header value, appending the header when new.
func (e *Email) SetField(key, value string) {
	canonical := e.canonicalKey(key)
	if _, exists := e.headers[canonical]; !exists {
		e.headerOrder = append(e.headerOrder, canonical)
	}
	e.headers[canonical] = value
}

// Body returns the message body.
func (e *Email) Body() []byte {
	return e.body
}

// Bytes re-serializes the message.
func (e *Email) Bytes() []byte {
	var buf bytes.Buffer
	for _, key := range e.headerOrder {
		fmt.Fprintf(&buf, "%s: %s\n", key, e.headers[key])
	}
	buf.WriteByte('\n')
	buf.Write(e.body)
	return buf.Bytes()
}

// Compose fills in the headers a complete outbound message needs.
// Message-ID is generated once and survives later loads, so a failed
// send round does not change it.
func (e *Email) Compose() {
	if e.Field("Message-ID") == "" {
		e.SetField("Message-ID", fmt.Sprintf("<%s@bote.i2p>", uuid.NewString()))
	}
	if e.Field("Date") == "" {
		e.SetField("Date", time.Now().UTC().Format(time.RFC1123Z))
	}
}

// Filename returns the file the mail was loaded from, if any.
func (e *Email) Filename() string {
	return e.filename
}

// SetFilename records the mail's file of origin.
func (e *Email) SetFilename(name string) {
	e.filename = name
}

// Skip marks or reports whether this mail is skipped for the current
// round. Skipped mail stays in the outbox and is retried next round.
func (e *Email) Skip(v ...bool) bool {
	if len(v) > 0 {
		e.skip = v[0]
	}
	return e.skip
}

// Save writes the message into dir when dir is non-empty, otherwise to the
// file it was loaded from or last saved to.
func (e *Email) Save(dir string) error {
	path := e.filename
	if path == "" || dir != "" {
		name := strings.Trim(e.Field("Message-ID"), "<>")
		if name == "" {
			name = uuid.NewString()
		}
		name = strings.ReplaceAll(name, string(filepath.Separator), "_")
		path = filepath.Join(dir, name+".mail")
		e.filename = path
	}
	return os.WriteFile(path, e.Bytes(), 0o644)
}

// Move relocates the mail's file into another box directory.
func (e *Email) Move(dir string) error {
	if e.filename == "" {
		return errors.New("mailbox: mail has no file")
	}
	target := filepath.Join(dir, filepath.Base(e.filename))
	if err := os.Rename(e.filename, target); err != nil {
		return errors.Errorf("mailbox: move mail: %w", err)
	}
	e.filename = target
	return nil
}
