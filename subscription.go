package livesync

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type UpdateFunction func(data json.RawMessage)
type TransitionFunction func(previousData json.RawMessage, data json.RawMessage)
type SubscriptionErrorFunction func(err error)

// per-subscription observers. Nil fields are skipped. All invocations recover
// from panics so one bad callback cannot take down delivery.
type SubscriptionCallbacks struct {
	OnUpdate     UpdateFunction
	OnError      SubscriptionErrorFunction
	OnTransition TransitionFunction
}

type SubscribeOptions struct {
	// do not replay a cached result as the initial update
	SkipInitialUpdate bool
}

// (queryPath, dedupKey) when the last holder of a dedup group unsubscribes
type CleanupFunction func(queryPath string, dedupKey string)

type SubscriptionSettings struct {
	DeduplicateSubscriptions bool
	// when false, subscribing while disconnected fails with ErrNotConnected
	// instead of going pending
	SkipConnectionCheck bool
	CacheResults        bool
	CacheSize           int
	// buffer updates while paused and flush on resume; drop them otherwise
	BufferWhilePaused bool
	OnCleanup         CleanupFunction
	GenerateId        IdGenerator
}

func DefaultSubscriptionSettings() *SubscriptionSettings {
	return &SubscriptionSettings{
		DeduplicateSubscriptions: true,
		SkipConnectionCheck:      false,
		CacheResults:             true,
		CacheSize:                DefaultQueryCacheSize,
		BufferWhilePaused:        true,
		GenerateId:               NewId,
	}
}

type subscription struct {
	id        Id
	queryPath string
	args      json.RawMessage
	dedupKey  string
	status    SubscriptionStatus
	callbacks SubscriptionCallbacks

	lastData  json.RawMessage
	hasData   bool
	lastError error

	updateCount int
	errorCount  int
	createTime  time.Time
	updateTime  time.Time

	// status to restore on resume
	pausedPriorStatus SubscriptionStatus
	pausedBuffer      []json.RawMessage
}

// one wire-level subscription shared by every local holder with the same
// (query path, canonical args). Exists iff it has at least one member.
type dedupGroup struct {
	key       string
	wireId    Id
	queryPath string
	args      json.RawMessage
	// insertion order
	memberIds []Id
	// whether the subscribe frame went out on the current session
	sent bool
}

// Owns all subscription and cache state. Receives inbound update/error frames
// from the connection dispatcher and fans them out to dedup group members.
type SubscriptionManager struct {
	conn     *Connection
	settings *SubscriptionSettings

	stateLock         sync.Mutex
	closed            bool
	subscriptions     map[Id]*subscription
	subscriptionOrder []Id
	groups            map[string]*dedupGroup
	groupOrder        []string
	groupsByWireId    map[Id]*dedupGroup
	cache             *QueryCache
}

func NewSubscriptionManager(conn *Connection, settings *SubscriptionSettings) *SubscriptionManager {
	var cache *QueryCache
	if settings.CacheResults {
		cache, _ = NewQueryCache(settings.CacheSize)
	}
	if settings.GenerateId == nil {
		settings.GenerateId = NewId
	}
	return &SubscriptionManager{
		conn:           conn,
		settings:       settings,
		subscriptions:  map[Id]*subscription{},
		groups:         map[string]*dedupGroup{},
		groupsByWireId: map[Id]*dedupGroup{},
		cache:          cache,
	}
}

func (self *SubscriptionManager) Subscribe(
	queryPath string,
	args json.RawMessage,
	callbacks SubscriptionCallbacks,
) (Id, error) {
	return self.SubscribeWithOptions(queryPath, args, callbacks, &SubscribeOptions{})
}

func (self *SubscriptionManager) SubscribeWithOptions(
	queryPath string,
	args json.RawMessage,
	callbacks SubscriptionCallbacks,
	options *SubscribeOptions,
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

	id := self.settings.GenerateId()
	sub := &subscription{
		id:         id,
		queryPath:  queryPath,
		args:       args,
		status:     SubscriptionPending,
		callbacks:  callbacks,
		createTime: time.Now(),
	}

	key, err := self.subscriptionKey(id, queryPath, args)
	if err != nil {
		self.stateLock.Unlock()
		return Id{}, err
	}
	sub.dedupKey = key

	self.subscriptions[id] = sub
	self.subscriptionOrder = append(self.subscriptionOrder, id)

	sendSubscribe, initialData, hasInitial := self.joinGroup(sub, connected)
	self.stateLock.Unlock()

	if sendSubscribe != nil {
		self.conn.SendMessage(sendSubscribe)
	} else if !connected && self.conn.IsConnected() {
		// the connection opened between the check and the insert, so the
		// open-hook flush may have already run without this group
		self.HandleConnect()
	}
	if hasInitial && !options.SkipInitialUpdate {
		self.deliverUpdate(id, initialData)
	}

	glog.V(2).Infof("[sub]subscribe %s %s\n", queryPath, id)
	return id, nil
}

// must be called inside the state lock.
// attaches the subscription to its dedup group, creating the group when it is
// the first holder. Returns the wire message to send, if any, and any cached
// result to replay as the initial update.
func (self *SubscriptionManager) joinGroup(
	sub *subscription,
	connected bool,
) (sendSubscribe *Message, initialData json.RawMessage, hasInitial bool) {
	if group, ok := self.groups[sub.dedupKey]; ok {
		group.memberIds = append(group.memberIds, sub.id)
		if group.sent {
			sub.status = SubscriptionActive
		}
		if self.cache != nil {
			if data, ok := self.cache.Get(sub.dedupKey); ok {
				initialData = data
				hasInitial = true
			}
		}
		return
	}

	group := &dedupGroup{
		key:       sub.dedupKey,
		wireId:    sub.id,
		queryPath: sub.queryPath,
		args:      sub.args,
		memberIds: []Id{sub.id},
	}
	self.groups[sub.dedupKey] = group
	self.groupOrder = append(self.groupOrder, sub.dedupKey)
	self.groupsByWireId[group.wireId] = group

	if connected {
		group.sent = true
		sub.status = SubscriptionActive
		sendSubscribe = NewSubscribeMessage(group.wireId, group.queryPath, group.args)
	}
	return
}

func (self *SubscriptionManager) subscriptionKey(id Id, queryPath string, args json.RawMessage) (string, error) {
	if self.settings.DeduplicateSubscriptions {
		return DedupKey(queryPath, args)
	}
	// no dedup: every subscription is its own group
	return fmt.Sprintf("id/%s", id), nil
}

// Idempotent, safe for unknown ids. The wire unsubscribe goes out exactly
// when the dedup group's last holder detaches.
func (self *SubscriptionManager) Unsubscribe(id Id) {
	self.stateLock.Lock()
	sub, ok := self.subscriptions[id]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	delete(self.subscriptions, id)
	self.subscriptionOrder = removeId(self.subscriptionOrder, id)

	sendUnsubscribe, cleanup := self.leaveGroup(sub)
	self.stateLock.Unlock()

	if sendUnsubscribe != nil {
		self.conn.SendMessage(sendUnsubscribe)
	}
	if cleanup != nil {
		func() {
			defer recover()
			cleanup(sub.queryPath, sub.dedupKey)
		}()
	}

	glog.V(2).Infof("[sub]unsubscribe %s\n", id)
}

// must be called inside the state lock
func (self *SubscriptionManager) leaveGroup(sub *subscription) (sendUnsubscribe *Message, cleanup CleanupFunction) {
	group, ok := self.groups[sub.dedupKey]
	if !ok {
		return
	}
	group.memberIds = removeId(group.memberIds, sub.id)
	if 0 < len(group.memberIds) {
		return
	}

	delete(self.groups, group.key)
	self.groupOrder = removeKey(self.groupOrder, group.key)
	delete(self.groupsByWireId, group.wireId)
	if self.cache != nil {
		// no stale serving after the last unsubscribe
		self.cache.Remove(group.key)
	}
	if group.sent {
		sendUnsubscribe = NewUnsubscribeMessage(group.wireId)
	}
	cleanup = self.settings.OnCleanup
	return
}

// re-keys the subscription as if unsubscribed then resubscribed, keeping the
// caller-visible id stable. Cached data is cleared and the subscription goes
// back to pending.
func (self *SubscriptionManager) UpdateSubscription(id Id, args json.RawMessage) error {
	connected := self.conn.IsConnected()

	self.stateLock.Lock()
	sub, ok := self.subscriptions[id]
	if !ok {
		self.stateLock.Unlock()
		return fmt.Errorf("unknown subscription %s", id)
	}

	oldKey := sub.dedupKey
	sendUnsubscribe, cleanup := self.leaveGroup(sub)

	sub.args = args
	sub.lastData = nil
	sub.hasData = false
	sub.lastError = nil
	sub.status = SubscriptionPending

	key, err := self.subscriptionKey(id, sub.queryPath, args)
	if err != nil {
		self.stateLock.Unlock()
		return err
	}
	sub.dedupKey = key

	sendSubscribe, initialData, hasInitial := self.joinGroup(sub, connected)
	self.stateLock.Unlock()

	if sendUnsubscribe != nil {
		self.conn.SendMessage(sendUnsubscribe)
	}
	if cleanup != nil {
		func() {
			defer recover()
			cleanup(sub.queryPath, oldKey)
		}()
	}
	if sendSubscribe != nil {
		self.conn.SendMessage(sendSubscribe)
	}
	if hasInitial {
		self.deliverUpdate(id, initialData)
	}
	return nil
}

func (self *SubscriptionManager) RemoveAllSubscriptions() {
	self.stateLock.Lock()
	ids := make([]Id, len(self.subscriptionOrder))
	copy(ids, self.subscriptionOrder)
	self.stateLock.Unlock()

	for _, id := range ids {
		self.Unsubscribe(id)
	}
}

// local delivery toggle only; never sends or cancels any wire message
func (self *SubscriptionManager) Pause(id Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sub, ok := self.subscriptions[id]
	if !ok {
		return
	}
	switch sub.status {
	case SubscriptionActive, SubscriptionPending:
		sub.pausedPriorStatus = sub.status
		sub.status = SubscriptionPaused
	}
}

func (self *SubscriptionManager) Resume(id Id) {
	self.stateLock.Lock()
	sub, ok := self.subscriptions[id]
	if !ok || sub.status != SubscriptionPaused {
		self.stateLock.Unlock()
		return
	}
	sub.status = sub.pausedPriorStatus
	buffered := sub.pausedBuffer
	sub.pausedBuffer = nil
	self.stateLock.Unlock()

	// flush in arrival order
	for _, data := range buffered {
		self.deliverUpdate(id, data)
	}
}

type updateDelivery struct {
	callbacks    SubscriptionCallbacks
	previousData json.RawMessage
	data         json.RawMessage
	hadPrevious  bool
}

// inbound update frame, routed by wire subscription id. Fans out to every
// holder in the dedup group; the shared cache entry is written once per group.
func (self *SubscriptionManager) HandleUpdate(wireId Id, data json.RawMessage) {
	self.stateLock.Lock()
	group, ok := self.groupsByWireId[wireId]
	if !ok {
		// already unsubscribed
		self.stateLock.Unlock()
		return
	}
	if self.cache != nil {
		self.cache.Put(group.key, data)
	}

	deliveries := []updateDelivery{}
	for _, memberId := range group.memberIds {
		sub, ok := self.subscriptions[memberId]
		if !ok {
			continue
		}
		if sub.status == SubscriptionPaused {
			if self.settings.BufferWhilePaused {
				sub.pausedBuffer = append(sub.pausedBuffer, data)
			}
			continue
		}
		deliveries = append(deliveries, self.applyUpdate(sub, data))
	}
	self.stateLock.Unlock()

	for _, delivery := range deliveries {
		invokeUpdateCallbacks(delivery)
	}
}

// must be called inside the state lock
func (self *SubscriptionManager) applyUpdate(sub *subscription, data json.RawMessage) updateDelivery {
	delivery := updateDelivery{
		callbacks:    sub.callbacks,
		previousData: sub.lastData,
		data:         data,
		hadPrevious:  sub.hasData,
	}
	sub.lastData = data
	sub.hasData = true
	sub.lastError = nil
	sub.status = SubscriptionActive
	sub.updateCount += 1
	sub.updateTime = time.Now()
	return delivery
}

// single-holder delivery used for cache replays and resume flushes
func (self *SubscriptionManager) deliverUpdate(id Id, data json.RawMessage) {
	self.stateLock.Lock()
	sub, ok := self.subscriptions[id]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	if sub.status == SubscriptionPaused {
		if self.settings.BufferWhilePaused {
			sub.pausedBuffer = append(sub.pausedBuffer, data)
		}
		self.stateLock.Unlock()
		return
	}
	delivery := self.applyUpdate(sub, data)
	self.stateLock.Unlock()

	invokeUpdateCallbacks(delivery)
}

func invokeUpdateCallbacks(delivery updateDelivery) {
	if callback := delivery.callbacks.OnUpdate; callback != nil {
		func() {
			defer recover()
			callback(delivery.data)
		}()
	}
	if callback := delivery.callbacks.OnTransition; callback != nil {
		func() {
			defer recover()
			callback(delivery.previousData, delivery.data)
		}()
	}
}

// inbound error frame for one wire subscription. Errors do not unsubscribe;
// the holders stay attached and keep receiving later updates.
func (self *SubscriptionManager) HandleError(wireId Id, message string, code string) {
	serverErr := &ServerError{
		Message: message,
		Code:    code,
	}

	self.stateLock.Lock()
	group, ok := self.groupsByWireId[wireId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	callbacks := []SubscriptionErrorFunction{}
	for _, memberId := range group.memberIds {
		sub, ok := self.subscriptions[memberId]
		if !ok {
			continue
		}
		sub.status = SubscriptionError
		sub.lastError = serverErr
		sub.errorCount += 1
		sub.updateTime = time.Now()
		if sub.callbacks.OnError != nil {
			callbacks = append(callbacks, sub.callbacks.OnError)
		}
	}
	self.stateLock.Unlock()

	for _, callback := range callbacks {
		func() {
			defer recover()
			callback(serverErr)
		}()
	}
}

// open hook: resubscribe every unsent group with a non-completed holder, one
// wire message per group, in group insertion order. The server is the source
// of truth and redelivers current data. Idempotent: the disconnect hook is
// what resets the sent markers.
func (self *SubscriptionManager) HandleConnect() {
	self.stateLock.Lock()
	resubscribes := []*Message{}
	for _, key := range self.groupOrder {
		group, ok := self.groups[key]
		if !ok || group.sent {
			continue
		}
		live := false
		for _, memberId := range group.memberIds {
			sub, ok := self.subscriptions[memberId]
			if !ok || sub.status == SubscriptionCompleted {
				continue
			}
			live = true
			if sub.status != SubscriptionPaused {
				sub.status = SubscriptionActive
			}
		}
		if !live {
			continue
		}
		group.sent = true
		resubscribes = append(resubscribes, NewSubscribeMessage(group.wireId, group.queryPath, group.args))
	}
	self.stateLock.Unlock()

	for _, message := range resubscribes {
		self.conn.SendMessage(message)
	}
}

// disconnect hook: holders that had data surface a connection-lost error and
// go back to pending for resubscription; holders that never received data
// just stay pending.
func (self *SubscriptionManager) HandleDisconnect() {
	self.stateLock.Lock()
	callbacks := []SubscriptionErrorFunction{}
	for _, id := range self.subscriptionOrder {
		sub, ok := self.subscriptions[id]
		if !ok {
			continue
		}
		switch sub.status {
		case SubscriptionActive, SubscriptionError:
			if sub.hasData {
				sub.lastError = ErrConnectionLost
				sub.errorCount += 1
				if sub.callbacks.OnError != nil {
					callbacks = append(callbacks, sub.callbacks.OnError)
				}
			}
			sub.status = SubscriptionPending
		}
	}
	for _, group := range self.groups {
		group.sent = false
	}
	self.stateLock.Unlock()

	for _, callback := range callbacks {
		func() {
			defer recover()
			callback(ErrConnectionLost)
		}()
	}
}

func (self *SubscriptionManager) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	self.subscriptions = map[Id]*subscription{}
	self.subscriptionOrder = nil
	self.groups = map[string]*dedupGroup{}
	self.groupOrder = nil
	self.groupsByWireId = map[Id]*dedupGroup{}
	if self.cache != nil {
		self.cache.Clear()
	}
}

func (self *SubscriptionManager) Status(id Id) (SubscriptionStatus, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sub, ok := self.subscriptions[id]
	if !ok {
		return SubscriptionPending, false
	}
	return sub.status, true
}

func (self *SubscriptionManager) Data(id Id) (json.RawMessage, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sub, ok := self.subscriptions[id]
	if !ok || !sub.hasData {
		return nil, false
	}
	return sub.lastData, true
}

func (self *SubscriptionManager) LastError(id Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if sub, ok := self.subscriptions[id]; ok {
		return sub.lastError
	}
	return nil
}

func (self *SubscriptionManager) UpdateCount(id Id) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if sub, ok := self.subscriptions[id]; ok {
		return sub.updateCount
	}
	return 0
}

func (self *SubscriptionManager) ActiveCount() int {
	return self.countByStatus(SubscriptionActive)
}

func (self *SubscriptionManager) PendingCount() int {
	return self.countByStatus(SubscriptionPending)
}

func (self *SubscriptionManager) PausedCount() int {
	return self.countByStatus(SubscriptionPaused)
}

func (self *SubscriptionManager) countByStatus(status SubscriptionStatus) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for _, sub := range self.subscriptions {
		if sub.status == status {
			count += 1
		}
	}
	return count
}

// number of wire-level subscriptions (dedup groups)
func (self *SubscriptionManager) GroupCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.groups)
}

func (self *SubscriptionManager) CachedResultCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.cache == nil {
		return 0
	}
	return self.cache.Len()
}

func removeId(ids []Id, id Id) []Id {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func removeKey(keys []string, key string) []string {
	for i, candidate := range keys {
		if candidate == key {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}
