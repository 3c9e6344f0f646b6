package livesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestConnectionConnectDisconnect(t *testing.T) {
	dialer := newTestDialer()
	conn := NewConnection(context.Background(), dialer.dial, ConnectionCallbacks{}, newTestConnectionSettings())

	assert.Equal(t, conn.State(), Disconnected)

	err := conn.Connect()
	assert.Equal(t, err, nil)
	assert.Equal(t, conn.State(), Connected)
	assert.Equal(t, dialer.DialCount(), 1)

	// already connected is a no-op
	err = conn.Connect()
	assert.Equal(t, err, nil)
	assert.Equal(t, dialer.DialCount(), 1)

	conn.Disconnect()
	assert.Equal(t, conn.State(), Disconnected)

	// normal closure never schedules a reconnect
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, dialer.Attempts(), 1)

	// disconnect is idempotent and safe when not connected
	conn.Disconnect()
	assert.Equal(t, conn.State(), Disconnected)

	conn.Close()
}

func TestConnectionConnectJoin(t *testing.T) {
	dialer := newTestDialer()
	gate := make(chan struct{})
	dialer.SetGate(gate)
	conn := NewConnection(context.Background(), dialer.dial, ConnectionCallbacks{}, newTestConnectionSettings())

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- conn.Connect()
		}()
	}

	waitFor(t, "both callers joined", func() bool {
		return conn.State() == Connecting
	})
	close(gate)

	assert.Equal(t, <-results, nil)
	assert.Equal(t, <-results, nil)
	// concurrent callers never open duplicate sockets
	assert.Equal(t, dialer.DialCount(), 1)

	conn.Close()
}

func TestConnectionConnectError(t *testing.T) {
	dialer := newTestDialer()
	dialErr := errors.New("refused")
	dialer.SetNextError(dialErr)
	conn := NewConnection(context.Background(), dialer.dial, ConnectionCallbacks{}, newTestConnectionSettings())

	err := conn.Connect()
	assert.Equal(t, err, dialErr)
	assert.Equal(t, conn.State(), Disconnected)

	// an initial connect failure does not auto-retry
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, dialer.Attempts(), 1)

	// the next manual connect succeeds
	err = conn.Connect()
	assert.Equal(t, err, nil)
	assert.Equal(t, conn.State(), Connected)

	conn.Close()
}

func TestConnectionReconnectAfterAbnormalClose(t *testing.T) {
	dialer := newTestDialer()
	conn := NewConnection(context.Background(), dialer.dial, ConnectionCallbacks{}, newTestConnectionSettings())

	err := conn.Connect()
	assert.Equal(t, err, nil)

	dialer.Transport(0).Fail(CloseCodeAbnormal, "dropped")

	waitFor(t, "reconnected", func() bool {
		return dialer.DialCount() == 2 && conn.State() == Connected
	})
	// the attempt counter resets on a successful open
	assert.Equal(t, conn.ReconnectAttempt(), 0)

	conn.Close()
}

func TestConnectionReconnectGivesUp(t *testing.T) {
	dialer := newTestDialer()
	conn := NewConnection(context.Background(), dialer.dial, ConnectionCallbacks{}, newTestConnectionSettings())

	err := conn.Connect()
	assert.Equal(t, err, nil)

	dialer.SetFailAll(errors.New("refused"))
	dialer.Transport(0).Fail(CloseCodeAbnormal, "dropped")

	// 1 successful dial + maxReconnectAttempts failed dials, then silence
	waitFor(t, "attempts exhausted", func() bool {
		return dialer.Attempts() == 4
	})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dialer.Attempts(), 4)
	assert.Equal(t, conn.State(), Disconnected)

	conn.Close()
}

func TestConnectionCloseCancelsReconnect(t *testing.T) {
	dialer := newTestDialer()
	conn := NewConnection(context.Background(), dialer.dial, ConnectionCallbacks{}, newTestConnectionSettings())

	err := conn.Connect()
	assert.Equal(t, err, nil)

	dialer.Transport(0).Fail(CloseCodeAbnormal, "dropped")
	conn.Close()

	// no socket is ever created after close
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dialer.Attempts(), 1)
	assert.Equal(t, conn.State(), Disconnected)

	err = conn.Connect()
	assert.Equal(t, err, ErrClosed)
}

func TestConnectionBackoffDelays(t *testing.T) {
	settings := newTestConnectionSettings()
	conn := NewConnection(context.Background(), newTestDialer().dial, ConnectionCallbacks{}, settings)

	// exponential: nth delay is base * 2^(n-1)
	conn.reconnectAttempt = 0
	assert.Equal(t, conn.nextReconnectDelay(), 10*time.Millisecond)
	conn.reconnectAttempt = 1
	assert.Equal(t, conn.nextReconnectDelay(), 20*time.Millisecond)
	conn.reconnectAttempt = 2
	assert.Equal(t, conn.nextReconnectDelay(), 40*time.Millisecond)

	settings.ReconnectBackoff = BackoffLinear
	conn.reconnectAttempt = 0
	assert.Equal(t, conn.nextReconnectDelay(), 10*time.Millisecond)
	conn.reconnectAttempt = 5
	assert.Equal(t, conn.nextReconnectDelay(), 10*time.Millisecond)

	conn.Close()
}

func TestConnectionAuthReplay(t *testing.T) {
	dialer := newTestDialer()
	conn := NewConnection(context.Background(), dialer.dial, ConnectionCallbacks{}, newTestConnectionSettings())
	conn.SetAuthToken("token-1")

	err := conn.Connect()
	assert.Equal(t, err, nil)

	waitFor(t, "auth frame", func() bool {
		return len(dialer.Transport(0).WrittenOfType(MessageTypeAuthenticate)) == 1
	})
	auth := dialer.Transport(0).WrittenOfType(MessageTypeAuthenticate)[0]
	assert.Equal(t, auth.Token, "token-1")

	dialer.Transport(0).Fail(CloseCodeAbnormal, "dropped")

	waitFor(t, "auth replayed on reconnect", func() bool {
		return dialer.DialCount() == 2 &&
			len(dialer.Transport(1).WrittenOfType(MessageTypeAuthenticate)) == 1
	})

	conn.Close()
}

func TestConnectionCallbacks(t *testing.T) {
	dialer := newTestDialer()

	mutex := sync.Mutex{}
	connects := 0
	reconnects := 0
	disconnectCodes := []int{}

	conn := NewConnection(
		context.Background(),
		dialer.dial,
		ConnectionCallbacks{
			OnConnect: func() {
				mutex.Lock()
				defer mutex.Unlock()
				connects += 1
			},
			OnReconnect: func() {
				mutex.Lock()
				defer mutex.Unlock()
				reconnects += 1
			},
			OnDisconnect: func(code int, reason string) {
				mutex.Lock()
				defer mutex.Unlock()
				disconnectCodes = append(disconnectCodes, code)
			},
		},
		newTestConnectionSettings(),
	)

	err := conn.Connect()
	assert.Equal(t, err, nil)

	dialer.Transport(0).Fail(CloseCodeAbnormal, "dropped")
	waitFor(t, "reconnected", func() bool {
		return conn.State() == Connected && dialer.DialCount() == 2
	})

	mutex.Lock()
	assert.Equal(t, connects, 2)
	assert.Equal(t, reconnects, 1)
	assert.Equal(t, disconnectCodes, []int{CloseCodeAbnormal})
	mutex.Unlock()

	// normal disconnect does not invoke OnDisconnect
	conn.Disconnect()
	time.Sleep(20 * time.Millisecond)
	mutex.Lock()
	assert.Equal(t, len(disconnectCodes), 1)
	mutex.Unlock()

	conn.Close()
}

func TestConnectionSendMessageStates(t *testing.T) {
	dialer := newTestDialer()
	conn := NewConnection(context.Background(), dialer.dial, ConnectionCallbacks{}, newTestConnectionSettings())

	err := conn.SendMessage(NewPingMessage())
	assert.Equal(t, err, ErrNotConnected)

	err = conn.Connect()
	assert.Equal(t, err, nil)
	err = conn.SendMessage(NewPingMessage())
	assert.Equal(t, err, nil)

	conn.Close()
	err = conn.SendMessage(NewPingMessage())
	assert.Equal(t, err, ErrClosed)
}

func TestConnectionMalformedFramesDropped(t *testing.T) {
	dialer := newTestDialer()
	conn := NewConnection(context.Background(), dialer.dial, ConnectionCallbacks{}, newTestConnectionSettings())

	received := make(chan *Message, 8)
	conn.setMessageHandler(func(message *Message) {
		received <- message
	})

	err := conn.Connect()
	assert.Equal(t, err, nil)

	transport := dialer.Transport(0)
	transport.DeliverRaw([]byte(`{broken`))
	transport.DeliverRaw([]byte(`{"type":"surprise"}`))
	subscriptionId := NewId()
	transport.Deliver(&Message{
		Type:           MessageTypeUpdate,
		SubscriptionId: &subscriptionId,
	})

	message := <-received
	assert.Equal(t, message.Type, MessageTypeUpdate)
	assert.Equal(t, conn.State(), Connected)
	assert.Equal(t, len(received), 0)

	conn.Close()
}
