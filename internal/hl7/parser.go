package hl7

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// UnknownPatientID is used when none of the patient id locations carry a value.
const UnknownPatientID = "UNKNOWN"

// patientIDPaths are tried in order; PID-3 is the v2.5 location, PID-2 and
// PID-4 are used by older and vendor-specific structures.
var patientIDPaths = []string{"PID-3-1", "PID-2-1", "PID-4-1"}

// ErrParse is wrapped by every ParseError.
var ErrParse = errors.New("HL7 parse hatası")

// ParseError describes why a payload could not be decoded.
type ParseError struct {
	Segment int // 1-based segment index, 0 when not segment specific
	Reason  string
}

func (e *ParseError) Error() string {
	if e.Segment > 0 {
		return fmt.Sprintf("%s: segment %d: %s", ErrParse, e.Segment, e.Reason)
	}
	return fmt.Sprintf("%s: %s", ErrParse, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrParse
}

// Delimiters are the separators declared by MSH-1 and MSH-2.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	SubComponent byte
}

// DefaultDelimiters are the standard HL7 v2 separators.
var DefaultDelimiters = Delimiters{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	SubComponent: '&',
}

// EncodingCharacters returns the MSH-2 value for d.
func (d Delimiters) EncodingCharacters() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.SubComponent})
}

// Segment is one line of a message. Fields[0] holds the segment name.
type Segment struct {
	Name   string
	Fields []string
}

// Message is a decoded HL7 v2 message.
type Message struct {
	Segments   []Segment
	Delimiters Delimiters
	raw        string
}

// Raw returns the text the message was parsed from.
func (m *Message) Raw() string {
	return m.raw
}

// NormalizeHeader repairs the frame before parsing: segment terminators are
// unified to CR and MSH-12 (version id) is cut down to its first component.
// Some senders put several sub-values into the version field, which breaks
// strict header parsing.
func NormalizeHeader(raw string) string {
	segments := splitSegments(raw)
	for i, seg := range segments {
		if !strings.HasPrefix(seg, "MSH") || len(seg) < 4 {
			continue
		}

		sep := string(seg[3])
		fields := strings.Split(seg, sep)
		if len(fields) > 11 {
			if cut := strings.IndexAny(fields[11], versionSeparators(fields[1])); cut >= 0 {
				fields[11] = fields[11][:cut]
				segments[i] = strings.Join(fields, sep)
			}
		}
		break
	}
	return strings.Join(segments, "\r")
}

// versionSeparators returns the characters that split sub-values, taken from
// the MSH-2 encoding characters (escape excluded).
func versionSeparators(enc string) string {
	d := DefaultDelimiters
	if len(enc) >= 4 {
		d.Component, d.Repetition, d.SubComponent = enc[0], enc[1], enc[3]
	}
	return string([]byte{d.Component, d.Repetition, d.SubComponent})
}

func splitSegments(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\r")
	raw = strings.ReplaceAll(raw, "\n", "\r")
	raw = strings.TrimRight(raw, "\r")
	return strings.Split(raw, "\r")
}

// Parse decodes an HL7 v2 message. The payload must start with an MSH segment
// that declares its delimiters and carries a message type.
func Parse(raw string) (*Message, error) {
	lines := splitSegments(raw)

	var segLines []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		segLines = append(segLines, line)
	}
	if len(segLines) == 0 {
		return nil, &ParseError{Reason: "boş mesaj"}
	}

	header := segLines[0]
	if !strings.HasPrefix(header, "MSH") {
		return nil, &ParseError{Segment: 1, Reason: "geçersiz HL7 mesajı: MSH segmenti bulunamadı"}
	}

	delims, err := headerDelimiters(header)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Delimiters: delims,
		raw:        strings.Join(segLines, "\r") + "\r",
	}

	sep := string(delims.Field)
	for i, line := range segLines {
		name := line
		if len(name) > 3 {
			name = line[:3]
			if line[3] != delims.Field {
				return nil, &ParseError{Segment: i + 1, Reason: fmt.Sprintf("segment adından sonra alan ayırıcı beklendi: %q", line[:4])}
			}
		}
		if !validSegmentName(name) {
			return nil, &ParseError{Segment: i + 1, Reason: fmt.Sprintf("geçersiz segment adı %q", name)}
		}
		msg.Segments = append(msg.Segments, Segment{Name: name, Fields: strings.Split(line, sep)})
	}

	if msg.MessageType() == "" {
		return nil, &ParseError{Segment: 1, Reason: "mesaj tipi (MSH-9) eksik"}
	}

	return msg, nil
}

// SalvageHeader parses only the MSH segment of a payload that failed Parse.
// It is used to mirror the header in a negative acknowledgment.
func SalvageHeader(raw string) (*Message, error) {
	for _, line := range splitSegments(raw) {
		if !strings.HasPrefix(line, "MSH") || len(line) < 4 {
			continue
		}

		delims := DefaultDelimiters
		delims.Field = line[3]
		fields := strings.Split(line, string(delims.Field))
		if len(fields) > 1 && len(fields[1]) >= 4 {
			enc := fields[1]
			delims.Component, delims.Repetition, delims.Escape, delims.SubComponent = enc[0], enc[1], enc[2], enc[3]
		}

		return &Message{
			Segments:   []Segment{{Name: "MSH", Fields: fields}},
			Delimiters: delims,
			raw:        line + "\r",
		}, nil
	}
	return nil, &ParseError{Reason: "kurtarılabilir MSH segmenti yok"}
}

func headerDelimiters(header string) (Delimiters, error) {
	if len(header) < 4 {
		return Delimiters{}, &ParseError{Segment: 1, Reason: "alan ayırıcı eksik"}
	}

	d := Delimiters{Field: header[3]}
	enc := header[4:]
	if i := strings.IndexByte(enc, d.Field); i >= 0 {
		enc = enc[:i]
	}
	if len(enc) < 4 {
		return Delimiters{}, &ParseError{Segment: 1, Reason: fmt.Sprintf("eksik kodlama karakterleri %q", enc)}
	}

	d.Component, d.Repetition, d.Escape, d.SubComponent = enc[0], enc[1], enc[2], enc[3]
	seen := map[byte]bool{d.Field: true}
	for i := 0; i < 4; i++ {
		c := enc[i]
		if seen[c] || isAlphaNum(c) {
			return Delimiters{}, &ParseError{Segment: 1, Reason: fmt.Sprintf("geçersiz kodlama karakterleri %q", enc[:4])}
		}
		seen[c] = true
	}
	return d, nil
}

func validSegmentName(name string) bool {
	if len(name) != 3 {
		return false
	}
	if name[0] < 'A' || name[0] > 'Z' {
		return false
	}
	for i := 1; i < 3; i++ {
		c := name[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

func isAlphaNum(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// Segment returns the first segment with the given name.
func (m *Message) Segment(name string) (Segment, bool) {
	for _, seg := range m.Segments {
		if seg.Name == name {
			return seg, true
		}
	}
	return Segment{}, false
}

// Field returns field n of seg using HL7 numbering. For MSH, field 1 is the
// field separator itself.
func (m *Message) Field(seg Segment, n int) string {
	if n <= 0 {
		return ""
	}
	if seg.Name == "MSH" {
		if n == 1 {
			return string(m.Delimiters.Field)
		}
		n--
	}
	if n >= len(seg.Fields) {
		return ""
	}
	return seg.Fields[n]
}

// Get resolves a terser-style path such as "PID-3-1" or "MSH-9-2".
// Only the first repetition of a field is considered.
func (m *Message) Get(path string) string {
	parts := strings.Split(path, "-")
	if len(parts) < 2 || len(parts) > 4 {
		return ""
	}

	seg, ok := m.Segment(parts[0])
	if !ok {
		return ""
	}

	idx := make([]int, 0, 3)
	for _, p := range parts[1:] {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return ""
		}
		idx = append(idx, n)
	}

	value := m.Field(seg, idx[0])
	if seg.Name == "MSH" && idx[0] <= 2 {
		return value
	}

	if i := strings.IndexByte(value, m.Delimiters.Repetition); i >= 0 {
		value = value[:i]
	}
	if len(idx) > 1 {
		value = component(value, m.Delimiters.Component, idx[1])
	}
	if len(idx) > 2 {
		value = component(value, m.Delimiters.SubComponent, idx[2])
	}
	return value
}

func component(value string, sep byte, n int) string {
	parts := strings.Split(value, string(sep))
	if n > len(parts) {
		return ""
	}
	return parts[n-1]
}

// MessageType returns MSH-9-1, e.g. "ORU" or "ADT".
func (m *Message) MessageType() string {
	return strings.TrimSpace(m.Get("MSH-9-1"))
}

// TriggerEvent returns MSH-9-2, e.g. "R01".
func (m *Message) TriggerEvent() string {
	return strings.TrimSpace(m.Get("MSH-9-2"))
}

// ControlID returns MSH-10.
func (m *Message) ControlID() string {
	return strings.TrimSpace(m.Get("MSH-10"))
}

// Version returns MSH-12.
func (m *Message) Version() string {
	return m.Get("MSH-12")
}

// PatientID returns the first non-empty patient id location, or
// UnknownPatientID.
func (m *Message) PatientID() string {
	for _, path := range patientIDPaths {
		if v := strings.TrimSpace(m.Get(path)); v != "" {
			return v
		}
	}
	return UnknownPatientID
}

// EscapeText encodes delimiter characters in free text using HL7 escape sequences.
func (d Delimiters) EscapeText(text string) string {
	var b strings.Builder
	esc := string(d.Escape)
	for i := 0; i < len(text); i++ {
		switch c := text[i]; c {
		case d.Escape:
			b.WriteString(esc + "E" + esc)
		case d.Field:
			b.WriteString(esc + "F" + esc)
		case d.Component:
			b.WriteString(esc + "S" + esc)
		case d.Repetition:
			b.WriteString(esc + "R" + esc)
		case d.SubComponent:
			b.WriteString(esc + "T" + esc)
		case '\r', '\n':
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
