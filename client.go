package livesync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/glog"
)

type ClientSettings struct {
	PlatformUrl string

	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	ReconnectBackoff     BackoffMode
	PingTimeout          time.Duration
	SendBufferSize       int

	DeduplicateSubscriptions bool
	SkipConnectionCheck      bool
	CacheResults             bool
	CacheSize                int
	BufferWhilePaused        bool

	// optional auth applied at construction and replayed on every open
	Auth *ClientAuth

	Callbacks ConnectionCallbacks
	OnCleanup CleanupFunction

	// injected for deterministic tests; defaults to ulid
	GenerateId IdGenerator

	Transport *TransportSettings
	// overrides PlatformUrl when set; tests use this to install a fake
	// transport
	DialFunc TransportDialFunc
}

func DefaultClientSettings(platformUrl string) *ClientSettings {
	return &ClientSettings{
		PlatformUrl:              platformUrl,
		ReconnectDelay:           1 * time.Second,
		MaxReconnectAttempts:     8,
		ReconnectBackoff:         BackoffExponential,
		PingTimeout:              15 * time.Second,
		SendBufferSize:           32,
		DeduplicateSubscriptions: true,
		SkipConnectionCheck:      false,
		CacheResults:             true,
		CacheSize:                DefaultQueryCacheSize,
		BufferWhilePaused:        true,
		GenerateId:               NewId,
		Transport:                DefaultTransportSettings(),
	}
}

// The only surface application code touches. Composes the connection state
// machine, the subscription manager, and the request correlator; inbound
// frames are decoded once and dispatched here by type.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ClientSettings

	conn          *Connection
	subscriptions *SubscriptionManager
	requests      *RequestCorrelator
}

func NewClientWithDefaults(ctx context.Context, platformUrl string) *Client {
	return NewClient(ctx, DefaultClientSettings(platformUrl))
}

func NewClient(ctx context.Context, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	if settings.GenerateId == nil {
		settings.GenerateId = NewId
	}
	if settings.Transport == nil {
		settings.Transport = DefaultTransportSettings()
	}
	dial := settings.DialFunc
	if dial == nil {
		dial = NewWsDialFunc(settings.PlatformUrl, settings.Transport)
	}

	conn := NewConnection(
		cancelCtx,
		dial,
		settings.Callbacks,
		&ConnectionSettings{
			ReconnectDelay:       settings.ReconnectDelay,
			MaxReconnectAttempts: settings.MaxReconnectAttempts,
			ReconnectBackoff:     settings.ReconnectBackoff,
			PingTimeout:          settings.PingTimeout,
			SendBufferSize:       settings.SendBufferSize,
		},
	)

	subscriptions := NewSubscriptionManager(conn, &SubscriptionSettings{
		DeduplicateSubscriptions: settings.DeduplicateSubscriptions,
		SkipConnectionCheck:      settings.SkipConnectionCheck,
		CacheResults:             settings.CacheResults,
		CacheSize:                settings.CacheSize,
		BufferWhilePaused:        settings.BufferWhilePaused,
		OnCleanup:                settings.OnCleanup,
		GenerateId:               settings.GenerateId,
	})

	requests := NewRequestCorrelator(conn, &RequestSettings{
		SkipConnectionCheck: settings.SkipConnectionCheck,
		GenerateId:          settings.GenerateId,
	})

	client := &Client{
		ctx:           cancelCtx,
		cancel:        cancel,
		settings:      settings,
		conn:          conn,
		subscriptions: subscriptions,
		requests:      requests,
	}

	// pending subscribes flush before queued requests on every open
	conn.addOpenHook(subscriptions.HandleConnect)
	conn.addOpenHook(requests.HandleConnect)
	conn.addDisconnectHook(subscriptions.HandleDisconnect)
	conn.addDisconnectHook(requests.HandleDisconnect)
	conn.setMessageHandler(client.dispatch)

	if settings.Auth != nil {
		client.SetAuth(settings.Auth.ByJwt)
	}

	return client
}

func (self *Client) dispatch(message *Message) {
	switch message.Type {
	case MessageTypeUpdate:
		if message.SubscriptionId != nil {
			self.subscriptions.HandleUpdate(*message.SubscriptionId, message.Data)
		}
	case MessageTypeError:
		if message.SubscriptionId != nil {
			self.subscriptions.HandleError(*message.SubscriptionId, message.Message, message.Code)
		} else {
			// connection-scoped server error, no owner to reject
			glog.Infof("[client]server error = %s\n", message.Message)
			if callback := self.settings.Callbacks.OnError; callback != nil {
				func() {
					defer recover()
					callback(&ServerError{
						Message: message.Message,
						Code:    message.Code,
					})
				}()
			}
		}
	case MessageTypeMutationResult, MessageTypeActionResult:
		if message.RequestId != nil {
			self.requests.HandleResult(*message.RequestId, message.Result)
		}
	case MessageTypeMutationError, MessageTypeActionError:
		if message.RequestId != nil {
			self.requests.HandleError(*message.RequestId, message.Message, message.Code)
		}
	case MessageTypeSubscribed:
		// server ack; activation happened at send time
		if message.SubscriptionId != nil {
			glog.V(2).Infof("[client]subscribed %s\n", *message.SubscriptionId)
		}
	}
}

func (self *Client) Connect() error {
	return self.conn.Connect()
}

func (self *Client) Disconnect() {
	self.conn.Disconnect()
}

// terminal shutdown: disconnects, cancels any scheduled reconnect, and
// rejects every outstanding and queued request with ErrClosed
func (self *Client) Close() {
	self.conn.Close()
	self.requests.Close()
	self.subscriptions.Close()
	self.cancel()
}

func (self *Client) IsConnected() bool {
	return self.conn.IsConnected()
}

func (self *Client) ConnectionState() ConnectionState {
	return self.conn.State()
}

func (self *Client) Subscribe(queryPath string, args any, callbacks SubscriptionCallbacks) (Id, error) {
	return self.SubscribeWithOptions(queryPath, args, callbacks, &SubscribeOptions{})
}

func (self *Client) SubscribeWithOptions(
	queryPath string,
	args any,
	callbacks SubscriptionCallbacks,
	options *SubscribeOptions,
) (Id, error) {
	argsJson, err := marshalArgs(args)
	if err != nil {
		return Id{}, err
	}
	return self.subscriptions.SubscribeWithOptions(queryPath, argsJson, callbacks, options)
}

func (self *Client) Unsubscribe(id Id) {
	self.subscriptions.Unsubscribe(id)
}

func (self *Client) UpdateSubscription(id Id, args any) error {
	argsJson, err := marshalArgs(args)
	if err != nil {
		return err
	}
	return self.subscriptions.UpdateSubscription(id, argsJson)
}

func (self *Client) RemoveAllSubscriptions() {
	self.subscriptions.RemoveAllSubscriptions()
}

func (self *Client) Pause(id Id) {
	self.subscriptions.Pause(id)
}

func (self *Client) Resume(id Id) {
	self.subscriptions.Resume(id)
}

func (self *Client) Mutation(mutationPath string, args any) (json.RawMessage, error) {
	argsJson, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	return self.requests.Call(RequestMutation, mutationPath, argsJson)
}

func (self *Client) MutationWithCallback(mutationPath string, args any, callback RequestCallback) (Id, error) {
	argsJson, err := marshalArgs(args)
	if err != nil {
		return Id{}, err
	}
	return self.requests.CallWithCallback(RequestMutation, mutationPath, argsJson, callback)
}

func (self *Client) Action(actionPath string, args any) (json.RawMessage, error) {
	argsJson, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	return self.requests.Call(RequestAction, actionPath, argsJson)
}

func (self *Client) ActionWithCallback(actionPath string, args any, callback RequestCallback) (Id, error) {
	argsJson, err := marshalArgs(args)
	if err != nil {
		return Id{}, err
	}
	return self.requests.CallWithCallback(RequestAction, actionPath, argsJson, callback)
}

func (self *Client) CancelRequest(requestId Id) {
	self.requests.Cancel(requestId)
}

func (self *Client) Ping() error {
	return self.conn.SendMessage(NewPingMessage())
}

func (self *Client) SetAuth(token string) {
	if byJwt, err := ParseByJwtUnverified(token); err == nil {
		glog.V(2).Infof("[client]auth client_id=%s\n", byJwt.ClientId)
	}
	self.conn.SetAuthToken(token)
}

func (self *Client) ClearAuth() {
	self.conn.ClearAuthToken()
}

// introspection counters, used for testing and observability

func (self *Client) ActiveSubscriptionCount() int {
	return self.subscriptions.ActiveCount()
}

func (self *Client) PendingSubscriptionCount() int {
	return self.subscriptions.PendingCount()
}

func (self *Client) PausedSubscriptionCount() int {
	return self.subscriptions.PausedCount()
}

// wire-level subscriptions (one per dedup group)
func (self *Client) WireSubscriptionCount() int {
	return self.subscriptions.GroupCount()
}

// in-flight mutations/actions awaiting a correlated result
func (self *Client) PendingMutationCount() int {
	return self.requests.InFlightCount()
}

func (self *Client) QueuedRequestCount() int {
	return self.requests.QueuedCount()
}

func (self *Client) ReconnectAttempt() int {
	return self.conn.ReconnectAttempt()
}

func (self *Client) SubscriptionStatus(id Id) (SubscriptionStatus, bool) {
	return self.subscriptions.Status(id)
}

func (self *Client) SubscriptionData(id Id) (json.RawMessage, bool) {
	return self.subscriptions.Data(id)
}

func marshalArgs(args any) (json.RawMessage, error) {
	if args == nil {
		return nil, nil
	}
	if raw, ok := args.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
