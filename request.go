package livesync

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
)

type RequestKind string

const (
	RequestMutation RequestKind = "mutation"
	RequestAction   RequestKind = "action"
)

// settlement callback for one mutation/action call
type RequestCallback interface {
	Result(result json.RawMessage, err error)
}

// for internal use
type simpleRequestCallback struct {
	callback func(result json.RawMessage, err error)
}

func NewRequestCallback(callback func(result json.RawMessage, err error)) RequestCallback {
	return &simpleRequestCallback{
		callback: callback,
	}
}

func (self *simpleRequestCallback) Result(result json.RawMessage, err error) {
	self.callback(result, err)
}

type RequestResult struct {
	Result json.RawMessage
	Error  error
}

func NewBlockingRequestCallback() (RequestCallback, chan RequestResult) {
	c := make(chan RequestResult, 1)
	callback := NewRequestCallback(func(result json.RawMessage, err error) {
		c <- RequestResult{
			Result: result,
			Error:  err,
		}
	})
	return callback, c
}

type pendingRequest struct {
	requestId Id
	kind      RequestKind
	path      string
	args      json.RawMessage
	callback  RequestCallback
	// times this request was handed to a transport; >1 means replay
	sendCount  int
	createTime time.Time
}

func (self *pendingRequest) message() *Message {
	switch self.kind {
	case RequestAction:
		return NewActionMessage(self.requestId, self.path, self.args)
	default:
		return NewMutationMessage(self.requestId, self.path, self.args)
	}
}

type RequestSettings struct {
	// when false, calling while disconnected fails with ErrNotConnected
	// instead of queueing
	SkipConnectionCheck bool
	GenerateId          IdGenerator
}

func DefaultRequestSettings() *RequestSettings {
	return &RequestSettings{
		SkipConnectionCheck: false,
		GenerateId:          NewId,
	}
}

// Owns every in-flight and queued mutation/action call. A request lives in
// exactly one of the in-flight map or the offline queue until it settles.
// In-flight entries that survive an abnormal disconnect are re-queued and
// resent on the next open, which makes delivery at-least-once.
type RequestCorrelator struct {
	conn     *Connection
	settings *RequestSettings

	stateLock     sync.Mutex
	closed        bool
	inFlight      map[Id]*pendingRequest
	inFlightOrder []Id
	queue         []*pendingRequest
}

func NewRequestCorrelator(conn *Connection, settings *RequestSettings) *RequestCorrelator {
	if settings.GenerateId == nil {
		settings.GenerateId = NewId
	}
	return &RequestCorrelator{
		conn:     conn,
		settings: settings,
		inFlight: map[Id]*pendingRequest{},
	}
}

// sends now when connected, queues otherwise. The callback settles exactly
// once: with the server result, a server error, or a terminal close.
func (self *RequestCorrelator) CallWithCallback(
	kind RequestKind,
	path string,
	args json.RawMessage,
	callback RequestCallback,
) (Id, error) {
	connected := self.conn.IsConnected()

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return Id{}, ErrClosed
	}
	if !connected && !self.settings.SkipConnectionCheck {
		self.stateLock.Unlock()
		return Id{}, ErrNotConnected
	}

	requestId := self.settings.GenerateId()
	request := &pendingRequest{
		requestId:  requestId,
		kind:       kind,
		path:       path,
		args:       args,
		callback:   callback,
		createTime: time.Now(),
	}

	if connected {
		self.inFlight[requestId] = request
		self.inFlightOrder = append(self.inFlightOrder, requestId)
		request.sendCount += 1
	} else {
		self.queue = append(self.queue, request)
	}
	self.stateLock.Unlock()

	if connected {
		self.conn.SendMessage(request.message())
	} else if self.conn.IsConnected() {
		// the connection opened between the check and the enqueue, so the
		// open-hook flush may have already run without this entry
		self.HandleConnect()
	}

	glog.V(2).Infof("[req]%s %s %s queued=%t\n", kind, path, requestId, !connected)
	return requestId, nil
}

// blocks until the correlated result/error frame arrives or the client closes
func (self *RequestCorrelator) Call(kind RequestKind, path string, args json.RawMessage) (json.RawMessage, error) {
	callback, c := NewBlockingRequestCallback()
	if _, err := self.CallWithCallback(kind, path, args, callback); err != nil {
		return nil, err
	}
	result := <-c
	return result.Result, result.Error
}

// purely local bookkeeping: the entry settles with ErrCanceled and is never
// included in a later flush. There is no stop signal to the server.
func (self *RequestCorrelator) Cancel(requestId Id) {
	self.stateLock.Lock()
	request, ok := self.inFlight[requestId]
	if ok {
		delete(self.inFlight, requestId)
		self.inFlightOrder = removeId(self.inFlightOrder, requestId)
	} else {
		for i, queued := range self.queue {
			if queued.requestId == requestId {
				request = queued
				self.queue = append(self.queue[:i], self.queue[i+1:]...)
				break
			}
		}
	}
	self.stateLock.Unlock()

	if request != nil {
		self.settle(request, nil, ErrCanceled)
	}
}

// inbound result frame. A missing id is ignored; the entry may already have
// settled.
func (self *RequestCorrelator) HandleResult(requestId Id, result json.RawMessage) {
	self.stateLock.Lock()
	request, ok := self.inFlight[requestId]
	if ok {
		delete(self.inFlight, requestId)
		self.inFlightOrder = removeId(self.inFlightOrder, requestId)
	}
	self.stateLock.Unlock()

	if !ok {
		glog.V(2).Infof("[req]result for unknown %s\n", requestId)
		return
	}
	self.settle(request, result, nil)
}

// inbound error frame, delivered to exactly the one matching caller
func (self *RequestCorrelator) HandleError(requestId Id, message string, code string) {
	self.stateLock.Lock()
	request, ok := self.inFlight[requestId]
	if ok {
		delete(self.inFlight, requestId)
		self.inFlightOrder = removeId(self.inFlightOrder, requestId)
	}
	self.stateLock.Unlock()

	if !ok {
		glog.V(2).Infof("[req]error for unknown %s\n", requestId)
		return
	}
	self.settle(request, nil, &ServerError{
		Message: message,
		Code:    code,
	})
}

// open hook: move every queued entry to in-flight and send it, in call order
func (self *RequestCorrelator) HandleConnect() {
	self.stateLock.Lock()
	flush := self.queue
	self.queue = nil
	for _, request := range flush {
		self.inFlight[request.requestId] = request
		self.inFlightOrder = append(self.inFlightOrder, request.requestId)
		request.sendCount += 1
	}
	self.stateLock.Unlock()

	for _, request := range flush {
		self.conn.SendMessage(request.message())
	}
	if 0 < len(flush) {
		glog.Infof("[req]flushed %d queued\n", len(flush))
	}
}

// disconnect hook: unsettled in-flight entries go back to the head of the
// queue, in their original send order, for replay on the next open
func (self *RequestCorrelator) HandleDisconnect() {
	self.stateLock.Lock()
	if len(self.inFlightOrder) == 0 {
		self.stateLock.Unlock()
		return
	}
	requeued := make([]*pendingRequest, 0, len(self.inFlightOrder))
	for _, requestId := range self.inFlightOrder {
		if request, ok := self.inFlight[requestId]; ok {
			requeued = append(requeued, request)
		}
	}
	self.inFlight = map[Id]*pendingRequest{}
	self.inFlightOrder = nil
	self.queue = append(requeued, self.queue...)
	count := len(requeued)
	self.stateLock.Unlock()

	glog.Infof("[req]requeued %d in-flight\n", count)
}

// terminal: every queued and in-flight entry settles with ErrClosed
func (self *RequestCorrelator) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	rejected := []*pendingRequest{}
	for _, requestId := range self.inFlightOrder {
		if request, ok := self.inFlight[requestId]; ok {
			rejected = append(rejected, request)
		}
	}
	rejected = append(rejected, self.queue...)
	self.inFlight = map[Id]*pendingRequest{}
	self.inFlightOrder = nil
	self.queue = nil
	self.stateLock.Unlock()

	for _, request := range rejected {
		self.settle(request, nil, ErrClosed)
	}
}

func (self *RequestCorrelator) settle(request *pendingRequest, result json.RawMessage, err error) {
	if request.callback == nil {
		return
	}
	func() {
		defer recover()
		request.callback.Result(result, err)
	}()
}

func (self *RequestCorrelator) InFlightCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.inFlight)
}

func (self *RequestCorrelator) QueuedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.queue)
}

func (self *RequestCorrelator) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.inFlight) + len(self.queue)
}
