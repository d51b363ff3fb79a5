package hl7

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// ErrNegativeAck is returned by SendMessage when the peer answers with a
// code other than AA/CA.
var ErrNegativeAck = errors.New("negatif ACK alındı")

type MLLPClient struct {
	host    string
	port    int
	timeout time.Duration
}

func NewMLLPClient(host string, port int) *MLLPClient {
	return &MLLPClient{
		host:    host,
		port:    port,
		timeout: 30 * time.Second,
	}
}

// WithTimeout sets the dial/read/write timeout.
func (c *MLLPClient) WithTimeout(timeout time.Duration) *MLLPClient {
	c.timeout = timeout
	return c
}

// SendMessage sends one message over a fresh connection and returns the
// acknowledgment payload. A negative acknowledgment is returned together with
// an error wrapping ErrNegativeAck.
func (c *MLLPClient) SendMessage(message []byte) ([]byte, error) {
	addr := net.JoinHostPort(c.host, fmt.Sprintf("%d", c.port))

	// Connect to server
	conn, err := net.DialTimeout("tcp", addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("bağlantı hatası %s: %w", addr, err)
	}
	defer conn.Close()

	slog.Debug("HL7 sunucusuna bağlandı", "address", addr)

	wrappedMessage := WrapMLLP(message)

	conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write(wrappedMessage); err != nil {
		return nil, fmt.Errorf("mesaj gönderme hatası: %w", err)
	}

	slog.Debug("HL7 mesaj gönderildi", "size", len(wrappedMessage))

	// Read ACK
	conn.SetReadDeadline(time.Now().Add(c.timeout))
	ack, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, fmt.Errorf("ACK okuma hatası: %w", err)
	}

	ackCode := ExtractAckCode(ack)
	if ackCode != "AA" && ackCode != "CA" {
		return ack, fmt.Errorf("%w: %s", ErrNegativeAck, ackCode)
	}

	slog.Info("HL7 mesaj başarıyla gönderildi",
		"address", addr,
		"ackCode", ackCode)

	return ack, nil
}
