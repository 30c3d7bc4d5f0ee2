package transfer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

const (
	// MessageDelimiter terminates every JSON header on the stream.
	MessageDelimiter byte = 0x00
	// DefaultMaxHeaderSize bounds how many bytes are buffered while looking for the delimiter.
	DefaultMaxHeaderSize = 64 * 1024

	readBufferSize = 4 * 1024
)

var (
	// ErrMalformedHeader indicates a header that cannot be parsed or validated.
	ErrMalformedHeader = errors.New("transfer: malformed header")
	// ErrHeaderTooLarge indicates no delimiter was found within the size limit.
	ErrHeaderTooLarge = errors.New("transfer: header exceeds max size")
)

// OfferHeader is sent by the sender to describe the file it wants to deliver.
type OfferHeader struct {
	TransferID  string `json:"transferId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	SenderEmail string `json:"senderEmail"`
}

// AckHeader is the receiver's answer to an offer.
type AckHeader struct {
	Accepted bool `json:"accepted"`
}

// WriteMessage writes message as JSON followed by the delimiter in one write.
func WriteMessage(w io.Writer, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	payload = append(payload, MessageDelimiter)
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// ReadMessage reads until the first delimiter and returns the header payload
// together with any bytes that arrived after it.
func ReadMessage(r io.Reader, maxSize int) (payload []byte, rest []byte, err error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxHeaderSize
	}

	buf := make([]byte, 0, readBufferSize)
	chunk := make([]byte, readBufferSize)
	for {
		n, readErr := r.Read(chunk)
		if n > 0 {
			start := len(buf)
			buf = append(buf, chunk[:n]...)
			if idx := bytes.IndexByte(buf[start:], MessageDelimiter); idx >= 0 {
				end := start + idx
				if end > maxSize {
					return nil, nil, ErrHeaderTooLarge
				}
				rest = append([]byte(nil), buf[end+1:]...)
				return buf[:end], rest, nil
			}
			if len(buf) > maxSize {
				return nil, nil, ErrHeaderTooLarge
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil, nil, fmt.Errorf("%w: stream ended before delimiter", ErrMalformedHeader)
			}
			return nil, nil, readErr
		}
	}
}

func decodeOffer(payload []byte) (OfferHeader, error) {
	var header OfferHeader
	if err := json.Unmarshal(payload, &header); err != nil {
		return OfferHeader{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if strings.TrimSpace(header.TransferID) == "" {
		return OfferHeader{}, fmt.Errorf("%w: missing transferId", ErrMalformedHeader)
	}
	if header.FileSize < 0 {
		return OfferHeader{}, fmt.Errorf("%w: negative fileSize", ErrMalformedHeader)
	}
	name, ok := safeFileName(header.FileName)
	if !ok {
		return OfferHeader{}, fmt.Errorf("%w: unusable fileName %q", ErrMalformedHeader, header.FileName)
	}
	header.FileName = name
	return header, nil
}

func decodeAck(payload []byte) (AckHeader, error) {
	var ack AckHeader
	if err := json.Unmarshal(payload, &ack); err != nil {
		return AckHeader{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return ack, nil
}

// safeFileName reduces a declared name to its last path element so a peer
// cannot write outside the receive directory.
func safeFileName(name string) (string, bool) {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	switch base {
	case "", ".", "..", "/":
		return "", false
	}
	return base, true
}
