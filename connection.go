package livesync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

type BackoffMode string

const (
	BackoffLinear      BackoffMode = "linear"
	BackoffExponential BackoffMode = "exponential"
)

type ConnectionSettings struct {
	// delay before the first reconnect attempt; the backoff base
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	ReconnectBackoff     BackoffMode
	// idle interval between keepalive pings on the write side
	PingTimeout    time.Duration
	SendBufferSize int
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		ReconnectDelay:       1 * time.Second,
		MaxReconnectAttempts: 8,
		ReconnectBackoff:     BackoffExponential,
		PingTimeout:          15 * time.Second,
		SendBufferSize:       32,
	}
}

// note all callbacks are wrapped to check for nil and recover from errors
type ConnectionCallbacks struct {
	OnConnect    func()
	OnDisconnect func(code int, reason string)
	OnReconnect  func()
	OnError      func(err error)
}

type connectionSession struct {
	transport Transport
	ctx       context.Context
	cancel    context.CancelFunc
	send      chan []byte
	// set before a locally initiated close so the read pump exit is not
	// treated as an abnormal drop
	normalClose atomic.Bool
}

// Owns the transport and the connection state. All other components read the
// state through this type and send through `SendMessage`; none of them touch
// the transport directly.
//
// Disconnected --Connect--> Connecting --open--> Connected
// Connected --close(code!=1000)--> Disconnected, reconnect scheduled
// Connected|Connecting --close(code=1000)|Disconnect--> Disconnected
// any --Close--> Disconnected, terminal
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	dial      TransportDialFunc
	settings  *ConnectionSettings
	callbacks ConnectionCallbacks

	// run on successful open, in registration order
	openHooks []func()
	// run when a connected session ends, before any reconnect can flush
	disconnectHooks []func()
	messageHandler  func(message *Message)

	stateLock        sync.Mutex
	state            ConnectionState
	closed           bool
	session          *connectionSession
	authToken        string
	reconnectAttempt int
	reconnectPending bool
	everConnected    bool
	connectWaiters   []chan error
}

func NewConnectionWithDefaults(
	ctx context.Context,
	dial TransportDialFunc,
	callbacks ConnectionCallbacks,
) *Connection {
	return NewConnection(ctx, dial, callbacks, DefaultConnectionSettings())
}

func NewConnection(
	ctx context.Context,
	dial TransportDialFunc,
	callbacks ConnectionCallbacks,
	settings *ConnectionSettings,
) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Connection{
		ctx:       cancelCtx,
		cancel:    cancel,
		dial:      dial,
		settings:  settings,
		callbacks: callbacks,
		state:     Disconnected,
	}
}

func (self *Connection) addOpenHook(hook func()) {
	self.openHooks = append(self.openHooks, hook)
}

func (self *Connection) addDisconnectHook(hook func()) {
	self.disconnectHooks = append(self.disconnectHooks, hook)
}

func (self *Connection) setMessageHandler(handler func(message *Message)) {
	self.messageHandler = handler
}

func (self *Connection) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Connection) IsConnected() bool {
	return self.State() == Connected
}

func (self *Connection) ReconnectAttempt() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.reconnectAttempt
}

// Blocks until the socket opens or the attempt fails. Joins the in-flight
// attempt when one exists so concurrent callers never open duplicate sockets.
func (self *Connection) Connect() error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return ErrClosed
	}
	if self.state == Connected {
		self.stateLock.Unlock()
		return nil
	}
	waiter := make(chan error, 1)
	self.connectWaiters = append(self.connectWaiters, waiter)
	if self.state == Disconnected {
		// a manual connect supersedes any scheduled reconnect
		self.reconnectPending = false
		self.state = Connecting
		go self.attempt(false)
	}
	self.stateLock.Unlock()

	select {
	case err := <-waiter:
		return err
	case <-self.ctx.Done():
		return ErrClosed
	}
}

func (self *Connection) attempt(reconnecting bool) {
	transport, err := self.dial(self.ctx)
	if err != nil {
		glog.Infof("[conn]connect error = %s\n", err)

		self.stateLock.Lock()
		if self.state == Connecting {
			self.state = Disconnected
		}
		waiters := self.takeConnectWaiters()
		closed := self.closed
		scheduleNext := false
		var delay time.Duration
		var attempt int
		if reconnecting && !self.closed && self.reconnectAttempt < self.settings.MaxReconnectAttempts {
			delay = self.nextReconnectDelay()
			self.reconnectAttempt += 1
			attempt = self.reconnectAttempt
			self.reconnectPending = true
			scheduleNext = true
		}
		self.stateLock.Unlock()

		for _, waiter := range waiters {
			waiter <- err
		}
		if callback := self.callbacks.OnError; callback != nil && !closed {
			func() {
				defer recover()
				callback(err)
			}()
		}
		if scheduleNext {
			glog.Infof("[conn]reconnect in %s (attempt %d)\n", delay, attempt)
			go self.reconnectAfter(delay)
		}
		return
	}
	self.finishOpen(transport)
}

func (self *Connection) finishOpen(transport Transport) {
	self.stateLock.Lock()
	if self.closed || self.state != Connecting {
		// superseded by Disconnect or Close while dialing
		self.stateLock.Unlock()
		transport.CloseNormal()
		return
	}
	sessionCtx, sessionCancel := context.WithCancel(self.ctx)
	session := &connectionSession{
		transport: transport,
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		send:      make(chan []byte, self.settings.SendBufferSize),
	}
	self.session = session
	self.state = Connected
	self.reconnectAttempt = 0
	self.reconnectPending = false
	reconnected := self.everConnected
	self.everConnected = true
	token := self.authToken
	waiters := self.takeConnectWaiters()
	self.stateLock.Unlock()

	go self.writePump(session)
	// a write-side failure cancels the session; tearing down the transport
	// here unblocks the read pump
	go func() {
		<-session.ctx.Done()
		session.transport.Close()
	}()

	if token != "" {
		self.sendToSession(session, NewAuthenticateMessage(token))
	}
	for _, hook := range self.openHooks {
		hook()
	}
	for _, waiter := range waiters {
		waiter <- nil
	}
	if callback := self.callbacks.OnConnect; callback != nil {
		func() {
			defer recover()
			callback()
		}()
	}
	if reconnected {
		if callback := self.callbacks.OnReconnect; callback != nil {
			func() {
				defer recover()
				callback()
			}()
		}
	}

	glog.V(2).Infof("[conn]open reconnected=%t\n", reconnected)

	go self.readPump(session)
}

// must be called inside the state lock
func (self *Connection) takeConnectWaiters() []chan error {
	waiters := self.connectWaiters
	self.connectWaiters = nil
	return waiters
}

// must be called inside the state lock.
// `reconnectAttempt` counts scheduled reconnects since the last open, so the
// nth delay is base (linear) or base * 2^(n-1) (exponential).
func (self *Connection) nextReconnectDelay() time.Duration {
	switch self.settings.ReconnectBackoff {
	case BackoffExponential:
		return self.settings.ReconnectDelay << uint(self.reconnectAttempt)
	default:
		return self.settings.ReconnectDelay
	}
}

func (self *Connection) reconnectAfter(delay time.Duration) {
	select {
	case <-self.ctx.Done():
		return
	case <-time.After(delay):
	}

	self.stateLock.Lock()
	if self.closed || !self.reconnectPending || self.state != Disconnected {
		// superseded by a manual connect, disconnect, or close
		self.stateLock.Unlock()
		return
	}
	self.reconnectPending = false
	self.state = Connecting
	self.stateLock.Unlock()

	self.attempt(true)
}

func (self *Connection) writePump(session *connectionSession) {
	for {
		select {
		case <-session.ctx.Done():
			return
		case frame, ok := <-session.send:
			if !ok {
				return
			}
			if err := session.transport.Write(frame); err != nil {
				glog.Infof("[conn]-> error = %s\n", err)
				session.cancel()
				return
			}
			glog.V(2).Infof("[conn]->\n")
		case <-time.After(self.settings.PingTimeout):
			frame, err := EncodeMessage(NewPingMessage())
			if err != nil {
				continue
			}
			if err := session.transport.Write(frame); err != nil {
				session.cancel()
				return
			}
			glog.V(2).Infof("[conn]ping->\n")
		}
	}
}

func (self *Connection) readPump(session *connectionSession) {
	for {
		frame, err := session.transport.Read()
		if err != nil {
			self.handleSessionEnd(session, err)
			return
		}

		message, decodeErr := DecodeMessage(frame)
		if decodeErr != nil {
			// malformed frames are dropped, never fatal
			glog.V(2).Infof("[conn]<- drop malformed = %s\n", decodeErr)
			continue
		}
		if !KnownIncomingMessageType(message.Type) {
			glog.V(2).Infof("[conn]<- drop unknown type = %s\n", message.Type)
			continue
		}

		switch message.Type {
		case MessageTypePong:
			glog.V(2).Infof("[conn]pong<-\n")
		case MessageTypeAuthenticated:
			glog.V(2).Infof("[conn]authenticated<-\n")
		default:
			if handler := self.messageHandler; handler != nil {
				handler(message)
			}
		}
	}
}

// idempotent per session. The read pump, `Disconnect`, and `Close` may all
// report the same session end; the first caller wins.
func (self *Connection) handleSessionEnd(session *connectionSession, err error) {
	session.cancel()
	session.transport.Close()

	self.stateLock.Lock()
	if self.session != session {
		self.stateLock.Unlock()
		return
	}
	self.session = nil
	self.state = Disconnected

	code := CloseCodeAbnormal
	reason := ""
	if closeErr, ok := err.(*CloseError); ok {
		code = closeErr.Code
		reason = closeErr.Reason
	}
	normal := session.normalClose.Load() || code == CloseCodeNormal
	closed := self.closed

	scheduleReconnect := false
	var delay time.Duration
	var attempt int
	if !normal && !closed && self.reconnectAttempt < self.settings.MaxReconnectAttempts {
		delay = self.nextReconnectDelay()
		self.reconnectAttempt += 1
		attempt = self.reconnectAttempt
		self.reconnectPending = true
		scheduleReconnect = true
	}
	self.stateLock.Unlock()

	// reset local delivery state before any reconnect can flush
	for _, hook := range self.disconnectHooks {
		hook()
	}

	if !normal && !closed {
		glog.Infof("[conn]closed code=%d reason=%s\n", code, reason)
		if callback := self.callbacks.OnDisconnect; callback != nil {
			func() {
				defer recover()
				callback(code, reason)
			}()
		}
	}

	if scheduleReconnect {
		glog.Infof("[conn]reconnect in %s (attempt %d)\n", delay, attempt)
		go self.reconnectAfter(delay)
	}
}

func (self *Connection) sendToSession(session *connectionSession, message *Message) {
	frame, err := EncodeMessage(message)
	if err != nil {
		return
	}
	select {
	case session.send <- frame:
	case <-session.ctx.Done():
	}
}

func (self *Connection) SendMessage(message *Message) error {
	frame, err := EncodeMessage(message)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return ErrClosed
	}
	session := self.session
	if self.state != Connected || session == nil {
		self.stateLock.Unlock()
		return ErrNotConnected
	}
	self.stateLock.Unlock()

	select {
	case session.send <- frame:
		return nil
	case <-session.ctx.Done():
		return ErrNotConnected
	}
}

// stores the token for replay on every open; sends it now when connected
func (self *Connection) SetAuthToken(token string) {
	self.stateLock.Lock()
	self.authToken = token
	connected := self.state == Connected
	self.stateLock.Unlock()

	if connected && token != "" {
		self.SendMessage(NewAuthenticateMessage(token))
	}
}

func (self *Connection) ClearAuthToken() {
	self.stateLock.Lock()
	self.authToken = ""
	self.stateLock.Unlock()
}

// closes the socket with normal-closure semantics. Idempotent, safe when not
// connected. Cancels a scheduled reconnect.
func (self *Connection) Disconnect() {
	self.stateLock.Lock()
	self.reconnectPending = false
	session := self.session
	var waiters []chan error
	if session != nil {
		session.normalClose.Store(true)
	} else {
		if self.state == Connecting {
			waiters = self.takeConnectWaiters()
		}
		self.state = Disconnected
	}
	self.stateLock.Unlock()

	for _, waiter := range waiters {
		waiter <- ErrNotConnected
	}
	if session != nil {
		session.transport.CloseNormal()
		self.handleSessionEnd(session, &CloseError{
			Code:   CloseCodeNormal,
			Reason: "disconnect",
		})
	}
}

// terminal. No reconnect is ever scheduled after this, and future `Connect`
// calls fail with `ErrClosed`.
func (self *Connection) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	self.reconnectPending = false
	session := self.session
	if session != nil {
		session.normalClose.Store(true)
	}
	waiters := self.takeConnectWaiters()
	self.stateLock.Unlock()

	for _, waiter := range waiters {
		waiter <- ErrClosed
	}
	if session != nil {
		session.transport.CloseNormal()
		self.handleSessionEnd(session, &CloseError{
			Code:   CloseCodeNormal,
			Reason: "closed",
		})
	}
	self.cancel()

	self.stateLock.Lock()
	self.state = Disconnected
	self.stateLock.Unlock()
}
