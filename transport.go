package livesync

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// the connection state machine owns exactly one transport at a time
// a transport is a single framed duplex stream; Read blocks until the next
// frame or the stream ends
type Transport interface {
	Read() ([]byte, error)
	Write(frame []byte) error
	// sends a normal-closure signal to the peer, then tears down
	CloseNormal()
	Close()
}

// (ctx) -> transport
type TransportDialFunc func(ctx context.Context) (Transport, error)

// codes follow websocket close codes
const (
	CloseCodeNormal   = 1000
	CloseCodeAbnormal = 1006
)

type CloseError struct {
	Code   int
	Reason string
}

func (self *CloseError) Error() string {
	return fmt.Sprintf("transport closed: %d %s", self.Code, self.Reason)
}

func (self *CloseError) Normal() bool {
	return self.Code == CloseCodeNormal
}

type TransportSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
	}
}

func NewWsDialFunc(platformUrl string, settings *TransportSettings) TransportDialFunc {
	return func(ctx context.Context) (Transport, error) {
		dialer := &websocket.Dialer{
			HandshakeTimeout: settings.HandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(ctx, platformUrl, nil)
		if err != nil {
			return nil, err
		}
		return &wsTransport{
			ws:       ws,
			settings: settings,
		}, nil
	}
}

type wsTransport struct {
	ws       *websocket.Conn
	settings *TransportSettings
}

func (self *wsTransport) Read() ([]byte, error) {
	for {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				return nil, &CloseError{
					Code:   closeErr.Code,
					Reason: closeErr.Text,
				}
			}
			return nil, &CloseError{
				Code:   CloseCodeAbnormal,
				Reason: err.Error(),
			}
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// transport keepalive
				continue
			}
			return message, nil
		default:
			continue
		}
	}
}

func (self *wsTransport) Write(frame []byte) error {
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	// note that for websocket a deadline timeout cannot be recovered
	return self.ws.WriteMessage(websocket.TextMessage, frame)
}

func (self *wsTransport) CloseNormal() {
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	self.ws.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	self.ws.Close()
}

func (self *wsTransport) Close() {
	self.ws.Close()
}
