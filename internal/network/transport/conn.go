package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/p2p-db-sync/dbsync/internal/network/messages"
)

// MaxMessageSize bounds a single framed message
const MaxMessageSize = 64 << 20

// RemoteError is an error reported by the peer in an error message
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer error (%s): %s", e.Code, e.Message)
}

// IsRemoteCode reports whether err is a RemoteError with code
func IsRemoteCode(err error, code string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}

// Conn frames messages on a stream as a 4-byte big-endian length followed
// by the JSON envelope. Raw bytes (snapshot bodies) may be interleaved
// between messages through Reader and Writer.
type Conn struct {
	stream Stream
	r      *bufio.Reader

	// LocalID is stamped as sender on outgoing messages
	LocalID string
	// PeerID and PeerName are set once the handshake completes
	PeerID   string
	PeerName string
}

// NewConn wraps a stream
func NewConn(stream Stream, localID string) *Conn {
	return &Conn{
		stream:  stream,
		r:       bufio.NewReaderSize(stream, 64<<10),
		LocalID: localID,
	}
}

// Send writes one message
func (c *Conn) Send(msgType string, payload any) error {
	msg, err := messages.NewMessage(msgType, c.LocalID, payload)
	if err != nil {
		return err
	}
	return c.SendMessage(msg)
}

// SendMessage writes a prepared message
func (c *Conn) SendMessage(msg *messages.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%s message too large: %d bytes", msg.Type, len(data))
	}
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := c.stream.Write(frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

// SendError reports a failure to the peer
func (c *Conn) SendError(code string, err error) error {
	return c.SendMessage(messages.NewError(c.LocalID, code, err.Error()))
}

// Receive reads one message
func (c *Conn) Receive() (*messages.Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return nil, fmt.Errorf("truncated message: %w", err)
	}
	return messages.DecodeMessage(data)
}

// Expect reads one message of type msgType and decodes its payload into v.
// Error messages from the peer are returned as *RemoteError.
func (c *Conn) Expect(msgType string, v any) error {
	msg, err := c.Receive()
	if err != nil {
		return err
	}
	return ExpectMessage(msg, msgType, v)
}

// ExpectMessage checks msg is of type msgType and decodes it into v
func ExpectMessage(msg *messages.Message, msgType string, v any) error {
	if msg.Type == messages.TypeError {
		var em messages.ErrorMessage
		if err := msg.Decode(&em); err != nil {
			return err
		}
		return &RemoteError{Code: em.Code, Message: em.Message}
	}
	if msg.Type != msgType {
		return fmt.Errorf("expected %s message, got %s", msgType, msg.Type)
	}
	if v == nil {
		return nil
	}
	return msg.Decode(v)
}

// Reader returns the stream's read side, including buffered bytes
func (c *Conn) Reader() io.Reader {
	return c.r
}

// Writer returns the stream's write side
func (c *Conn) Writer() io.Writer {
	return c.stream
}

// SetDeadline bounds every following read and write
func (c *Conn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

// Close closes the stream
func (c *Conn) Close() error {
	return c.stream.Close()
}
