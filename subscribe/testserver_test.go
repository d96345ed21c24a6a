package subscribe

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const testWaitTimeout = 5 * time.Second

// a fake sql api. each accepted connection is handed to the test after the credentials are read
type testServer struct {
	server      *httptest.Server
	connections chan *testServerConnection
}

func newTestServer(t *testing.T) *testServer {
	testServer := &testServer{
		connections: make(chan *testServerConnection, 16),
	}
	upgrader := websocket.Upgrader{}
	testServer.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, authBytes, err := ws.ReadMessage()
		if err != nil {
			return
		}
		auth := &AuthMessage{}
		if err := json.Unmarshal(authBytes, auth); err != nil {
			return
		}

		connection := &testServerConnection{
			ws:       ws,
			auth:     auth,
			requests: make(chan *SqlRequest, 16),
			closed:   make(chan error, 1),
		}
		testServer.connections <- connection

		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				connection.closed <- err
				return
			}
			request := &SqlRequest{}
			if err := json.Unmarshal(message, request); err == nil {
				connection.requests <- request
			}
		}
	}))
	t.Cleanup(testServer.server.Close)
	return testServer
}

func (self *testServer) url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http") + WebsocketPath
}

func (self *testServer) config() *Config {
	return &Config{
		Auth: Auth{
			User:     "user@example.com",
			Password: "secret",
		},
		Proxy: self.url(),
	}
}

func (self *testServer) nextConnection(t *testing.T) *testServerConnection {
	select {
	case connection := <-self.connections:
		return connection
	case <-time.After(testWaitTimeout):
		t.Fatal("timeout waiting for connection")
		return nil
	}
}

type testServerConnection struct {
	ws       *websocket.Conn
	auth     *AuthMessage
	requests chan *SqlRequest
	closed   chan error

	writeLock sync.Mutex
}

func (self *testServerConnection) send(resultType ResultType, payload any) error {
	message, err := json.Marshal(testResult(resultType, payload))
	if err != nil {
		return err
	}
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	return self.ws.WriteMessage(websocket.TextMessage, message)
}

func (self *testServerConnection) ready() error {
	return self.send(ResultTypeReadyForQuery, "I")
}

func (self *testServerConnection) nextRequest(t *testing.T) *SqlRequest {
	select {
	case request := <-self.requests:
		return request
	case <-time.After(testWaitTimeout):
		t.Fatal("timeout waiting for request")
		return nil
	}
}

func (self *testServerConnection) close() {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	self.ws.Close()
}

func waitFor[T any](t *testing.T, c <-chan T) T {
	select {
	case v := <-c:
		return v
	case <-time.After(testWaitTimeout):
		t.Fatal("timeout")
		var zero T
		return zero
	}
}

// polls until the condition holds
func waitUntil(t *testing.T, condition func() bool) {
	end := time.Now().Add(testWaitTimeout)
	for !condition() {
		if end.Before(time.Now()) {
			t.Fatal("timeout waiting for condition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
