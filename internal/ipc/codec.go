package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single encoded message.
const MaxFrameSize = 10 << 20

const headerSize = 4

// WriteFrame writes payload prefixed with its little-endian u32 length.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return &ChannelError{Kind: ErrMessageTooLong, Detail: fmt.Sprintf("%d bytes", len(payload))}
	}
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return &ChannelError{Kind: ErrWrite, Detail: "write frame", Err: err}
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. A clean EOF before the header
// is returned as io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &ChannelError{Kind: ErrRead, Detail: "read frame length", Err: err}
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, &ChannelError{Kind: ErrMessageTooLong, Detail: fmt.Sprintf("peer announced %d bytes", n)}
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, &ChannelError{Kind: ErrRead, Detail: "read frame body", Err: err}
	}
	return payload, nil
}

// WriteMessage encodes msg and writes it as one frame.
func WriteMessage(w io.Writer, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadMessage reads and decodes one frame.
func ReadMessage(r io.Reader) (Message, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	return Decode(data)
}
