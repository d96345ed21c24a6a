package subscribe

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/juju/clock"
)

type SubscriberSettings struct {
	// minimum time between the starts of two attempts after a connection error
	ReconnectTimeout time.Duration
	// an active subscription with no events for this long fails with a connection error.
	// the server sends a progress row at least once per second. zero disables
	IdleTimeout time.Duration
	// reconnect after a connection error. invariant errors always reconnect
	ReconnectOnConnectionError bool
	// expose the updates of each flush as `Results.History`
	History         bool
	EventBufferSize int
	SessionSettings *SessionSettings
	Clock           clock.Clock
	// optional
	Metrics *Metrics
}

func DefaultSubscriberSettings() *SubscriberSettings {
	return &SubscriberSettings{
		ReconnectTimeout:           5 * time.Second,
		IdleTimeout:                30 * time.Second,
		ReconnectOnConnectionError: true,
		History:                    false,
		EventBufferSize:            64,
		SessionSettings:            DefaultSessionSettings(),
		Clock:                      clock.WallClock,
	}
}

// the externally observable state of a subscription
type Results struct {
	Columns []string
	Rows    []*Row
	// sticky until the next successful connect
	Err error
	// true until the first snapshot of the current attempt is materialized,
	// and again while recovering from an error
	Loading bool
	// the updates of the last flush, when enabled
	History []*Update
	// the current attempt and its connection
	AttemptId    Id
	ConnectionId Id
}

func (self *Results) MarshalJSON() ([]byte, error) {
	type resultsJson struct {
		Columns      []string  `json:"columns"`
		Rows         []*Row    `json:"rows"`
		Error        *string   `json:"error"`
		ErrorKind    string    `json:"error_kind,omitempty"`
		Loading      bool      `json:"loading"`
		History      []*Update `json:"history,omitempty"`
		AttemptId    *Id       `json:"attempt_id,omitempty"`
		ConnectionId *Id       `json:"connection_id,omitempty"`
	}
	r := &resultsJson{
		Columns: self.Columns,
		Rows:    self.Rows,
		Loading: self.Loading,
		History: self.History,
	}
	if !self.AttemptId.IsZero() {
		r.AttemptId = &self.AttemptId
	}
	if !self.ConnectionId.IsZero() {
		r.ConnectionId = &self.ConnectionId
	}
	if r.Columns == nil {
		r.Columns = []string{}
	}
	if r.Rows == nil {
		r.Rows = []*Row{}
	}
	if self.Err != nil {
		message := self.Err.Error()
		r.Error = &message
		r.ErrorKind = ErrorKind(self.Err)
	}
	return json.Marshal(r)
}

type ResultsFunction func(results *Results)

type subscriberEvent struct {
	attemptId Id
	event     *SessionEvent
}

// one connect and subscribe. state and controller are created when the connection is ready
// and discarded with the attempt
type subscriptionAttempt struct {
	ctx    context.Context
	cancel context.CancelFunc

	id           Id
	connectionId Id
	reconnect    *Reconnect

	controller *SubscriptionController
	// the first error of the attempt
	err error
	// a failed or completed attempt ignores further events
	done bool
}

// keeps a live materialized view of one query
//
// all session events are handed to a single event loop and handled to completion
// in order, so the controller and state are never touched concurrently.
// invariant errors force a reconnect with a fresh state. connection errors reconnect
// after `ReconnectTimeout` when enabled. protocol errors are surfaced only.
// the last materialized rows stay visible while recovering.
type Subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc

	query    *Query
	settings *SubscriberSettings
	session  *Session

	events chan *subscriberEvent
	reload chan struct{}

	// owned by the event loop
	attempt       *subscriptionAttempt
	attemptCount  int
	reconnectWait <-chan time.Time
	idleTimer     clock.Timer

	stateLock sync.Mutex
	results   *Results

	resultsCallbacks *CallbackList[ResultsFunction]
}

func NewSubscriberWithDefaults(ctx context.Context, config *Config, query *Query) (*Subscriber, error) {
	return NewSubscriber(ctx, config, query, DefaultSubscriberSettings())
}

func NewSubscriber(ctx context.Context, config *Config, query *Query, settings *SubscriberSettings) (*Subscriber, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	session, err := NewSession(cancelCtx, config, settings.SessionSettings)
	if err != nil {
		cancel()
		return nil, err
	}

	subscriber := &Subscriber{
		ctx:      cancelCtx,
		cancel:   cancel,
		query:    query,
		settings: settings,
		session:  session,
		events:   make(chan *subscriberEvent, settings.EventBufferSize),
		reload:   make(chan struct{}, 1),
		results: &Results{
			Loading: true,
		},
		resultsCallbacks: NewCallbackList[ResultsFunction](),
	}
	go HandleError(subscriber.run, func() {
		subscriber.cancel()
	})
	return subscriber, nil
}

// a copy of the current results
func (self *Subscriber) Results() *Results {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	results := *self.results
	return &results
}

// called on the event loop after every change. returns a function to remove the callback
func (self *Subscriber) AddResultsCallback(callback ResultsFunction) func() {
	callbackId := self.resultsCallbacks.Add(callback)
	return func() {
		self.resultsCallbacks.Remove(callbackId)
	}
}

// drops the current attempt and subscribes again on a new connection
func (self *Subscriber) Reload() {
	select {
	case self.reload <- struct{}{}:
	default:
	}
}

func (self *Subscriber) Close() {
	self.cancel()
}

func (self *Subscriber) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Subscriber) run() {
	defer func() {
		if self.attempt != nil {
			self.attempt.cancel()
		}
		self.stopIdle()
		self.session.Close()
	}()

	self.startAttempt("")

	for {
		var idle <-chan time.Time
		if self.idleTimer != nil {
			idle = self.idleTimer.Chan()
		}

		select {
		case <-self.ctx.Done():
			return
		case subscriberEvent := <-self.events:
			self.handleEvent(subscriberEvent)
		case <-self.reload:
			self.updateResults(func(results *Results) {
				results.Err = nil
			})
			self.startAttempt("reload")
		case <-self.reconnectWait:
			self.startAttempt("error")
		case <-idle:
			self.idleTimer = nil
			self.handleIdleTimeout()
		}
	}
}

func (self *Subscriber) startAttempt(reason string) {
	if self.attempt != nil {
		// unblocks and stops a listener of the previous connection
		self.attempt.cancel()
	}
	self.reconnectWait = nil
	self.stopIdle()

	cancelCtx, cancel := context.WithCancel(self.ctx)
	attempt := &subscriptionAttempt{
		ctx:       cancelCtx,
		cancel:    cancel,
		id:        NewId(),
		reconnect: NewReconnect(self.settings.Clock, self.settings.ReconnectTimeout),
	}
	self.attempt = attempt
	self.attemptCount += 1
	if 1 < self.attemptCount {
		glog.Infof("[s]reconnect %s (%s)\n", attempt.id, reason)
		self.settings.Metrics.reconnect(reason)
	}

	attempt.connectionId = self.session.Reconnect(func(event *SessionEvent) {
		select {
		case self.events <- &subscriberEvent{attemptId: attempt.id, event: event}:
		case <-attempt.ctx.Done():
		}
	})

	self.updateResults(func(results *Results) {
		results.Loading = true
		results.AttemptId = attempt.id
		results.ConnectionId = attempt.connectionId
	})
}

func (self *Subscriber) handleEvent(subscriberEvent *subscriberEvent) {
	attempt := self.attempt
	event := subscriberEvent.event
	if attempt == nil || attempt.done || subscriberEvent.attemptId != attempt.id || event.ConnectionId != attempt.connectionId {
		glog.V(LogLevelDebug).Infof("[s]drop stale event %s\n", subscriberEvent.attemptId)
		return
	}

	if attempt.controller != nil && !attempt.controller.ControllerState().IsTerminal() {
		self.resetIdle()
	}

	if event.Err != nil {
		if attempt.controller != nil {
			attempt.controller.HandleError(event.Err)
		} else {
			self.handleError(event.Err)
		}
		return
	}

	result := event.Result
	switch {
	case attempt.controller != nil:
		attempt.controller.HandleResult(result)
	case result.Type == ResultTypeReadyForQuery:
		self.subscribe(attempt)
	case result.Type == ResultTypeError:
		// e.g. authentication failed
		message, _ := result.StringPayload()
		self.handleError(protocolErrorf("%s", message))
	default:
		glog.V(LogLevelDebug).Infof("[s]ignore %s before subscribe\n", result.Type)
	}
}

func (self *Subscriber) subscribe(attempt *subscriptionAttempt) {
	state := NewState()
	attempt.controller = NewSubscriptionController(self.query, state, &SubscriptionHandlers{
		OnUpdate:   self.handleUpdate,
		OnComplete: self.handleComplete,
		OnError:    self.handleError,
	})

	// connected. the error clears. rows stay until the first flush of this attempt replaces them
	self.updateResults(func(results *Results) {
		results.Err = nil
	})

	request := attempt.controller.Request()
	var err error
	if glog.V(LogLevelDebug) {
		Trace(fmt.Sprintf("[s]subscribe %s", attempt.id), func() {
			err = self.session.Send(request)
		})
	} else {
		err = self.session.Send(request)
	}
	if err != nil {
		attempt.controller.HandleError(connectionErrorf("subscribe: %s", err))
		return
	}
	self.resetIdle()
}

func (self *Subscriber) handleUpdate(update *SubscriptionUpdate) {
	self.settings.Metrics.flush(len(update.History), len(update.Rows))
	self.updateResults(func(results *Results) {
		results.Columns = update.Columns
		results.Rows = update.Rows
		results.Loading = false
		if self.settings.History {
			results.History = update.History
		} else {
			results.History = nil
		}
	})
}

func (self *Subscriber) handleComplete(update *SubscriptionUpdate) {
	attempt := self.attempt
	attempt.done = true
	attempt.cancel()
	self.stopIdle()
	self.session.Close()

	self.updateResults(func(results *Results) {
		results.Columns = update.Columns
		results.Rows = update.Rows
		results.Loading = false
	})
}

func (self *Subscriber) handleError(err error) {
	attempt := self.attempt
	glog.Infof("[s]%s error = %s\n", attempt.id, err)
	self.settings.Metrics.recordError(err)

	// a connection that closes after the server reported an error keeps the reported error
	if attempt.err == nil {
		attempt.err = err
	}
	surfacedErr := attempt.err

	switch {
	case IsStateInvariantError(err):
		// the state can no longer be trusted. rebuild from a new subscription
		self.updateResults(func(results *Results) {
			results.Err = err
			results.Loading = true
		})
		self.startAttempt("invariant")
	case IsConnectionError(err):
		attempt.done = true
		attempt.cancel()
		self.stopIdle()
		self.updateResults(func(results *Results) {
			results.Err = surfacedErr
			results.Loading = self.settings.ReconnectOnConnectionError
		})
		if self.settings.ReconnectOnConnectionError {
			self.reconnectWait = attempt.reconnect.After()
		}
	default:
		// surfaced only. the attempt stays connected but nothing more is applied
		self.stopIdle()
		self.updateResults(func(results *Results) {
			results.Err = err
			results.Loading = false
		})
	}
}

func (self *Subscriber) handleIdleTimeout() {
	attempt := self.attempt
	if attempt == nil || attempt.done || attempt.controller == nil {
		return
	}
	err := connectionErrorf("no events for %s", self.settings.IdleTimeout)
	attempt.controller.HandleError(err)
}

func (self *Subscriber) resetIdle() {
	if self.settings.IdleTimeout <= 0 {
		return
	}
	if self.idleTimer == nil {
		self.idleTimer = self.settings.Clock.NewTimer(self.settings.IdleTimeout)
	} else {
		if !self.idleTimer.Stop() {
			// drain a pending fire so that it does not count against the new deadline
			select {
			case <-self.idleTimer.Chan():
			default:
			}
		}
		self.idleTimer.Reset(self.settings.IdleTimeout)
	}
}

func (self *Subscriber) stopIdle() {
	if self.idleTimer != nil {
		self.idleTimer.Stop()
		self.idleTimer = nil
	}
}

func (self *Subscriber) updateResults(update func(results *Results)) {
	var results Results
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		nextResults := *self.results
		update(&nextResults)
		self.results = &nextResults
		results = nextResults
	}()

	for _, callback := range self.resultsCallbacks.Get() {
		r := results
		HandleError(func() {
			callback(&r)
		})
	}
}
