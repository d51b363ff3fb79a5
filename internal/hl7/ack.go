package hl7

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrAckBuild is returned when a message header is too damaged to mirror.
var ErrAckBuild = errors.New("ACK oluşturulamadı")

// AckKind is the acknowledgment decision.
type AckKind int

const (
	AckPositive AckKind = iota
	AckNegative
)

// Code returns the MSA-1 acknowledgment code.
func (k AckKind) Code() string {
	if k == AckNegative {
		return "AE"
	}
	return "AA"
}

func (k AckKind) String() string {
	if k == AckNegative {
		return "NEGATIVE"
	}
	return "POSITIVE"
}

// Ack is an encoded acknowledgment (without MLLP framing).
type Ack struct {
	Kind          AckKind
	CorrelationID string
	Reason        string
	Raw           []byte
}

// Code returns the MSA-1 value of the acknowledgment.
func (a *Ack) Code() string {
	return a.Kind.Code()
}

// BuildAck mirrors the header of msg into an acknowledgment. Sending and
// receiving parties are swapped; timestamp, processing id and version are
// kept; MSA-2 carries the original control id. Negative acknowledgments need
// a reason, which is written to MSA-3 and repeated in an ERR segment.
func BuildAck(msg *Message, kind AckKind, reason string) (*Ack, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: mesaj yok", ErrAckBuild)
	}
	if _, ok := msg.Segment("MSH"); !ok {
		return nil, fmt.Errorf("%w: MSH segmenti yok", ErrAckBuild)
	}

	controlID := msg.ControlID()
	if controlID == "" {
		return nil, fmt.Errorf("%w: kontrol kimliği (MSH-10) eksik", ErrAckBuild)
	}
	if kind == AckNegative && strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: negatif ACK için açıklama gerekli", ErrAckBuild)
	}

	d := msg.Delimiters
	sep := string(d.Field)

	timestamp := msg.Get("MSH-7")
	if timestamp == "" {
		timestamp = time.Now().Format("20060102150405")
	}
	processingID := msg.Get("MSH-11")
	if processingID == "" {
		processingID = "P"
	}
	version := msg.Version()
	if version == "" {
		version = "2.5"
	}

	messageType := "ACK"
	if trigger := msg.TriggerEvent(); trigger != "" {
		messageType = strings.Join([]string{"ACK", trigger, "ACK"}, string(d.Component))
	}

	msh := strings.Join([]string{
		"MSH",
		d.EncodingCharacters(),
		msg.Get("MSH-5"),
		msg.Get("MSH-6"),
		msg.Get("MSH-3"),
		msg.Get("MSH-4"),
		timestamp,
		"",
		messageType,
		"ACK" + strconv.FormatInt(time.Now().UnixMilli(), 10),
		processingID,
		version,
	}, sep)

	msaFields := []string{"MSA", kind.Code(), controlID}
	if kind == AckNegative {
		msaFields = append(msaFields, d.EscapeText(reason))
	}

	var raw bytes.Buffer
	raw.WriteString(msh)
	raw.WriteByte(CarriageReturn)
	raw.WriteString(strings.Join(msaFields, sep))
	raw.WriteByte(CarriageReturn)
	if kind == AckNegative {
		raw.WriteString(errSegment(d, version, reason))
		raw.WriteByte(CarriageReturn)
	}

	ack := &Ack{
		Kind:          kind,
		CorrelationID: controlID,
		Raw:           raw.Bytes(),
	}
	if kind == AckNegative {
		ack.Reason = reason
	}
	return ack, nil
}

// errSegment carries the reason in ERR-8 (user message) from 2.5 on and in
// ERR-1 for older versions, where ERR-3..8 do not exist.
func errSegment(d Delimiters, version, reason string) string {
	sep := string(d.Field)
	text := d.EscapeText(reason)
	if !versionAtLeast(version, 2, 5) {
		return "ERR" + sep + text
	}
	code := strings.Join([]string{"207", "Application internal error", "HL70357"}, string(d.Component))
	return strings.Join([]string{"ERR", "", "", code, "E", "", "", "", text}, sep)
}

// versionAtLeast compares the major.minor prefix of an MSH-12 value.
func versionAtLeast(version string, major, minor int) bool {
	parts := strings.SplitN(version, ".", 3)
	maj, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	if maj != major {
		return maj > major
	}
	if len(parts) < 2 {
		return minor == 0
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return false
	}
	return n >= minor
}

// ExtractAckCode returns MSA-1 of an acknowledgment, or "" when absent.
func ExtractAckCode(ack []byte) string {
	msg, err := SalvageHeader(string(UnwrapMLLP(ack)))
	sep := byte('|')
	if err == nil {
		sep = msg.Delimiters.Field
	}

	lines := bytes.Split(UnwrapMLLP(ack), []byte("\r"))
	for _, line := range lines {
		line = bytes.TrimLeft(line, "\n")
		if bytes.HasPrefix(line, []byte("MSA")) {
			fields := bytes.Split(line, []byte{sep})
			if len(fields) > 1 {
				return string(fields[1])
			}
		}
	}
	return ""
}
