package subscribe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type SessionSettings struct {
	WsHandshakeTimeout time.Duration
	// the credentials write and the wait for the first `ReadyForQuery`
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	// frames larger than this fail the connection
	ReadLimit int64
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		WsHandshakeTimeout: 5 * time.Second,
		AuthTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadLimit:          64 * 1024 * 1024,
	}
}

// one decoded message, or the error that ended the connection
type SessionEvent struct {
	ConnectionId Id
	Result       *WebSocketResult
	Err          error
}

// called on the connection read goroutine.
// must hand off the event and return; it must not call back into the session
type EventFunction func(event *SessionEvent)

// owns one websocket at a time to the sql api
//
// every connection sends the credentials first. the session is ready once the server
// answers with `ReadyForQuery`, and becomes not ready again on each `Send` until the next
// `ReadyForQuery`. there is at most one statement outstanding.
//
// `Reconnect` detaches the listener of the current connection before the connection is closed
// and before the next connection is created. after `Reconnect` returns, no event of a previous
// connection reaches any listener.
type Session struct {
	ctx context.Context

	config   *Config
	settings *SessionSettings

	reconnectLock sync.Mutex

	stateLock  sync.Mutex
	connection *sessionConnection
	ready      bool
}

func NewSessionWithDefaults(ctx context.Context, config *Config) (*Session, error) {
	return NewSession(ctx, config, DefaultSessionSettings())
}

func NewSession(ctx context.Context, config *Config, settings *SessionSettings) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		ctx:      ctx,
		config:   config,
		settings: settings,
	}, nil
}

// closes the current connection, if any, and opens a new one that delivers to `listener`
// returns the id of the new connection
func (self *Session) Reconnect(listener EventFunction) Id {
	self.reconnectLock.Lock()
	defer self.reconnectLock.Unlock()

	self.closeConnection(false)

	connection := newSessionConnection(self.ctx, self, listener)
	self.stateLock.Lock()
	self.connection = connection
	self.stateLock.Unlock()

	go HandleError(connection.run, func(err error) {
		connection.dispatch(&SessionEvent{Err: connectionErrorf("%s", err)})
	})
	return connection.id
}

// graceful close of the current connection, e.g. after a subscription completed
// the session can be reconnected afterwards
func (self *Session) Close() {
	self.reconnectLock.Lock()
	defer self.reconnectLock.Unlock()

	self.closeConnection(true)
}

func (self *Session) closeConnection(graceful bool) {
	self.stateLock.Lock()
	connection := self.connection
	self.connection = nil
	self.ready = false
	self.stateLock.Unlock()

	if connection != nil {
		connection.close(graceful)
	}
}

// replaces the listener of the current connection
func (self *Session) SetListener(listener EventFunction) {
	self.stateLock.Lock()
	connection := self.connection
	self.stateLock.Unlock()

	if connection != nil {
		connection.setListener(listener)
	}
}

func (self *Session) Ready() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.ready
}

func (self *Session) ConnectionId() (Id, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.connection == nil {
		return Id{}, false
	}
	return self.connection.id, true
}

// sends one statement. fails with `ErrNotReady` unless the server signalled readiness
// since the connection opened or since the last send
func (self *Session) Send(request *SqlRequest) error {
	self.stateLock.Lock()
	connection := self.connection
	ready := self.ready
	if connection != nil && ready {
		self.ready = false
	}
	self.stateLock.Unlock()

	if connection == nil || !ready {
		return ErrNotReady
	}
	return connection.write(request)
}

func (self *Session) setReady(connection *sessionConnection, ready bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	// a detached connection cannot change readiness
	if self.connection == connection {
		self.ready = ready
	}
}

type sessionConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	id      Id
	session *Session

	listenerLock sync.Mutex
	listener     EventFunction
	detached     bool

	wsLock sync.Mutex
	ws     *websocket.Conn

	writeLock sync.Mutex
}

func newSessionConnection(ctx context.Context, session *Session, listener EventFunction) *sessionConnection {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &sessionConnection{
		ctx:      cancelCtx,
		cancel:   cancel,
		id:       NewId(),
		session:  session,
		listener: listener,
	}
}

func (self *sessionConnection) run() {
	defer self.cancel()

	url := self.session.config.WebsocketUrl()
	authBytes, err := json.Marshal(self.session.config.AuthMessage())
	if err != nil {
		self.dispatch(&SessionEvent{Err: connectionErrorf("encode auth: %s", err)})
		return
	}

	connect := func() (*websocket.Conn, error) {
		dialer := &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: self.session.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, url, nil)
		if err != nil {
			return nil, err
		}

		success := false
		defer func() {
			if !success {
				ws.Close()
			}
		}()

		if 0 < self.session.settings.ReadLimit {
			ws.SetReadLimit(self.session.settings.ReadLimit)
		}
		ws.SetWriteDeadline(time.Now().Add(self.session.settings.AuthTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
			return nil, err
		}

		success = true
		return ws, nil
	}

	var ws *websocket.Conn
	if glog.V(LogLevelDebug) {
		ws, err = TraceWithReturnError(fmt.Sprintf("[t]connect %s", self.id), connect)
	} else {
		ws, err = connect()
	}
	if err != nil {
		glog.Infof("[t]connect error %s = %s\n", self.id, err)
		self.dispatch(&SessionEvent{Err: connectionErrorf("connect %s: %s", url, err)})
		return
	}
	defer ws.Close()

	self.wsLock.Lock()
	if self.ctx.Err() != nil {
		// closed while connecting
		self.wsLock.Unlock()
		return
	}
	self.ws = ws
	self.wsLock.Unlock()

	// the first ready must arrive within the auth timeout. afterwards there is no read deadline.
	// a stalled subscription is detected by the subscriber idle timeout
	authenticated := false
	ws.SetReadDeadline(time.Now().Add(self.session.settings.AuthTimeout))
	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if self.ctx.Err() != nil {
				return
			}
			glog.Infof("[tr]%s<- error = %s\n", self.id, err)
			self.dispatch(&SessionEvent{Err: connectionErrorf("read: %s", err)})
			return
		}

		switch messageType {
		case websocket.TextMessage:
			result, err := ParseWebSocketResult(message)
			if err != nil {
				glog.Infof("[tr]%s<- %s\n", self.id, err)
				continue
			}
			glog.V(LogLevelDebug).Infof("[tr]%s<- %s\n", self.id, result)
			if !authenticated && result.Type == ResultTypeReadyForQuery {
				authenticated = true
				ws.SetReadDeadline(time.Time{})
			}
			self.dispatch(&SessionEvent{Result: result})
		default:
			glog.V(LogLevelDebug).Infof("[tr]other=%d %s<-\n", messageType, self.id)
		}
	}
}

func (self *sessionConnection) dispatch(event *SessionEvent) {
	self.listenerLock.Lock()
	defer self.listenerLock.Unlock()

	if self.detached {
		return
	}

	event.ConnectionId = self.id
	if event.Err != nil {
		self.session.setReady(self, false)
	} else if event.Result != nil && event.Result.Type == ResultTypeReadyForQuery {
		self.session.setReady(self, true)
	}

	if self.listener != nil {
		self.listener(event)
	}
}

func (self *sessionConnection) setListener(listener EventFunction) {
	self.listenerLock.Lock()
	defer self.listenerLock.Unlock()
	if !self.detached {
		self.listener = listener
	}
}

func (self *sessionConnection) write(request *SqlRequest) error {
	requestBytes, err := json.Marshal(request)
	if err != nil {
		return err
	}

	self.wsLock.Lock()
	ws := self.ws
	self.wsLock.Unlock()
	if ws == nil {
		return ErrNotReady
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	ws.SetWriteDeadline(time.Now().Add(self.session.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, requestBytes); err != nil {
		// note that for websocket a deadline timeout cannot be recovered
		glog.Infof("[ts]%s-> error = %s\n", self.id, err)
		return connectionErrorf("write: %s", err)
	}
	glog.V(LogLevelDebug).Infof("[ts]%s-> %s\n", self.id, requestBytes)
	return nil
}

// detach first. once this returns the listener is never called again
func (self *sessionConnection) close(graceful bool) {
	self.listenerLock.Lock()
	self.detached = true
	self.listener = nil
	self.listenerLock.Unlock()

	self.wsLock.Lock()
	ws := self.ws
	self.ws = nil
	self.cancel()
	self.wsLock.Unlock()

	if ws == nil {
		return
	}
	if graceful {
		self.writeLock.Lock()
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(self.session.settings.WriteTimeout),
		)
		self.writeLock.Unlock()
	}
	ws.Close()
}
