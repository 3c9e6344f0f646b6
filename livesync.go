package livesync

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

/*
Client for the platform sync protocol with properties:
- named queries stay live across network interruption
- one wire subscription per unique (query, args) pair when deduplication is on
- mutations and actions queued while offline are replayed on reconnect (at-least-once)
- reconnection with capped linear or exponential backoff
- auth token replayed on every successful open
*/

var ErrClosed = errors.New("client closed")
var ErrNotConnected = errors.New("not connected")
var ErrConnectionLost = errors.New("connection lost")
var ErrCanceled = errors.New("request canceled")

// server-reported failure for one specific subscription or request
type ServerError struct {
	Message string
	Code    string
}

func (self *ServerError) Error() string {
	if self.Code != "" {
		return fmt.Sprintf("%s (%s)", self.Message, self.Code)
	}
	return self.Message
}

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (self ConnectionState) String() string {
	switch self {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type SubscriptionStatus int

const (
	SubscriptionPending SubscriptionStatus = iota
	SubscriptionActive
	SubscriptionPaused
	SubscriptionError
	SubscriptionCompleted
)

func (self SubscriptionStatus) String() string {
	switch self {
	case SubscriptionPending:
		return "pending"
	case SubscriptionActive:
		return "active"
	case SubscriptionPaused:
		return "paused"
	case SubscriptionError:
		return "error"
	case SubscriptionCompleted:
		return "completed"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// ids are generated through this so that tests can inject a deterministic sequence
type IdGenerator func() Id

func DefaultIdGenerator() IdGenerator {
	return NewId
}
