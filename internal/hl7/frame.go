package hl7

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
)

const (
	// MLLP frame characters
	StartBlock     = 0x0B
	EndBlock       = 0x1C
	CarriageReturn = 0x0D
)

// ErrIncompleteFrame is returned when the stream ends or stalls inside a frame.
var ErrIncompleteFrame = errors.New("eksik MLLP çerçevesi")

// WrapMLLP adds MLLP wrapper to message
func WrapMLLP(message []byte) []byte {
	if len(message) == 0 {
		return message
	}

	// Check if already wrapped
	if message[0] == StartBlock {
		return message
	}

	framed := make([]byte, 0, len(message)+3)
	framed = append(framed, StartBlock)
	framed = append(framed, message...)
	return append(framed, EndBlock, CarriageReturn)
}

// UnwrapMLLP removes MLLP wrapper from message
func UnwrapMLLP(message []byte) []byte {
	message = bytes.TrimPrefix(message, []byte{StartBlock})
	message = bytes.TrimSuffix(message, []byte{EndBlock, CarriageReturn})
	return message
}

// readFrame reads one MLLP block. Bytes before the start block are skipped.
// Errors before the start block are returned as-is so callers can treat idle
// timeouts and EOF separately from a broken frame.
func readFrame(reader *bufio.Reader) ([]byte, error) {
	// Wait for start block
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == StartBlock {
			break
		}
	}

	// Read until end block
	var buffer bytes.Buffer
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIncompleteFrame, err)
		}

		if b == EndBlock {
			cr, err := reader.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrIncompleteFrame, err)
			}
			if cr != CarriageReturn {
				return nil, fmt.Errorf("MLLP formatı hatası: CR beklendi, %02X alındı", cr)
			}
			break
		}

		buffer.WriteByte(b)
	}

	return buffer.Bytes(), nil
}
