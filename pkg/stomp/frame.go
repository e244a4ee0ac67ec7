// Package stomp adapts the go-stomp frame codec to a websocket transport,
// where every websocket message carries zero or more complete frames.
package stomp

import (
	"bytes"
	"io"
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/pkg/errors"
)

// Commands.
const (
	CommandConnect     = frame.CONNECT
	CommandStomp       = frame.STOMP
	CommandConnected   = frame.CONNECTED
	CommandSend        = frame.SEND
	CommandSubscribe   = frame.SUBSCRIBE
	CommandUnsubscribe = frame.UNSUBSCRIBE
	CommandDisconnect  = frame.DISCONNECT
	CommandMessage     = frame.MESSAGE
	CommandReceipt     = frame.RECEIPT
	CommandError       = frame.ERROR
)

// Header names.
const (
	HeaderAcceptVersion = "accept-version"
	HeaderHost          = "host"
	HeaderHeartBeat     = "heart-beat"
	HeaderDestination   = "destination"
	HeaderContentType   = "content-type"
	HeaderContentLength = frame.ContentLength
	HeaderID            = "id"
	HeaderSubscription  = "subscription"
	HeaderMessageID     = "message-id"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderMessage       = "message"
	HeaderAuthorization = "Authorization"
	HeaderAck           = "ack"
	HeaderVersion       = "version"
	HeaderSession       = "session"
	HeaderServer        = "server"
	HeaderUserName      = "user-name"
)

// ErrTruncated reports a websocket message that ends inside a frame.
var ErrTruncated = errors.New("stomp: message ends inside a frame")

// Frame is a go-stomp frame. Header.Get returns the first occurrence of a
// repeated header.
type Frame = frame.Frame

// NewFrame builds a frame from alternating header key/value pairs.
func NewFrame(command string, kv ...string) *Frame {
	return frame.New(command, kv...)
}

// Encode serializes f as one websocket message. A content-length header is
// set when f has a body.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Body) > 0 {
		f.Header.Set(HeaderContentLength, strconv.Itoa(len(f.Body)))
	}
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, errors.Wrapf(err, "stomp: encode %s", f.Command)
	}
	return buf.Bytes(), nil
}

// Decode parses every frame of one websocket message. Heart-beat EOLs are
// skipped. On error the frames decoded before the bad one are returned
// alongside it.
func Decode(data []byte) ([]*Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))
	var frames []*Frame
	for {
		f, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return frames, errors.Wrap(err, "stomp: decode")
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
	// The reader reports a partial trailing frame as a clean EOF.
	if rest := bytes.TrimRight(data, "\r\n"); len(rest) > 0 && rest[len(rest)-1] != 0 {
		return frames, ErrTruncated
	}
	return frames, nil
}
