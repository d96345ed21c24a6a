package subscribe

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testSubscriberSettings() *SubscriberSettings {
	settings := DefaultSubscriberSettings()
	settings.ReconnectTimeout = 50 * time.Millisecond
	settings.IdleTimeout = 0
	settings.History = true
	settings.Metrics = NewMetrics(prometheus.NewRegistry())
	return settings
}

func newTestSubscriber(t *testing.T, server *testServer, query *Query, settings *SubscriberSettings) *Subscriber {
	subscriber, err := NewSubscriber(context.Background(), server.config(), query, settings)
	assert.Equal(t, err, nil)
	t.Cleanup(subscriber.Close)
	return subscriber
}

// ready, subscribe, and a snapshot of one row closed at `ts`
func subscribeSnapshot(t *testing.T, connection *testServerConnection, ts int) {
	assert.Equal(t, connection.ready(), nil)
	connection.nextRequest(t)
	connection.send(ResultTypeRows, []string{"mz_timestamp", "mz_progressed", "mz_diff", "id", "name"})
	connection.send(ResultTypeRow, []any{ts - 1, false, 1, 1, "a"})
	connection.send(ResultTypeRow, []any{ts, true, nil, nil, nil})
}

func rowStrings(results *Results) []string {
	rowStrs := []string{}
	for _, row := range results.Rows {
		rowStrs = append(rowStrs, row.String())
	}
	return rowStrs
}

func assertNoConnection(t *testing.T, server *testServer) {
	select {
	case <-server.connections:
		t.Fatal("unexpected reconnect")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSubscriberSnapshotAndUpdates(t *testing.T) {
	server := newTestServer(t)
	subscriber := newTestSubscriber(t, server, &Query{Sql: "SELECT * FROM t;", Key: []string{"id"}}, testSubscriberSettings())

	updates := make(chan *Results, 64)
	subscriber.AddResultsCallback(func(results *Results) {
		updates <- results
	})

	connection := server.nextConnection(t)
	assert.Equal(t, subscriber.Results().Loading, true)

	assert.Equal(t, connection.ready(), nil)
	request := connection.nextRequest(t)
	assert.Equal(t, request.Query, "SUBSCRIBE (SELECT * FROM t) WITH (PROGRESS);")

	connection.send(ResultTypeRows, []string{"mz_timestamp", "mz_progressed", "mz_diff", "id", "name"})
	connection.send(ResultTypeRow, []any{1, false, 1, 1, "a"})
	connection.send(ResultTypeRow, []any{1, false, 1, 2, "b"})
	connection.send(ResultTypeRow, []any{2, true, nil, nil, nil})

	waitUntil(t, func() bool {
		return !subscriber.Results().Loading
	})
	results := subscriber.Results()
	assert.Equal(t, results.Err, nil)
	assert.Equal(t, results.Columns, []string{"id", "name"})
	assert.Equal(t, rowStrings(results), []string{`{"id":1,"name":"a"}`, `{"id":2,"name":"b"}`})
	assert.Equal(t, len(results.History), 2)

	connection.send(ResultTypeRow, []any{2, false, -1, 1, "a"})
	connection.send(ResultTypeRow, []any{2, false, 1, 3, "c"})
	connection.send(ResultTypeRow, []any{3, true, nil, nil, nil})

	waitUntil(t, func() bool {
		return len(subscriber.Results().History) == 2 && subscriber.Results().History[0].Diff == -1
	})
	assert.Equal(t, rowStrings(subscriber.Results()), []string{`{"id":2,"name":"b"}`, `{"id":3,"name":"c"}`})

	// every change was delivered to the callback
	sawLoaded := false
	for len(updates) > 0 {
		if !(<-updates).Loading {
			sawLoaded = true
		}
	}
	assert.Equal(t, sawLoaded, true)
}

func TestSubscriberInvariantReconnect(t *testing.T) {
	server := newTestServer(t)
	settings := testSubscriberSettings()
	subscriber := newTestSubscriber(t, server, &Query{Sql: "SELECT * FROM t", Key: []string{"id"}}, settings)

	connection := server.nextConnection(t)
	subscribeSnapshot(t, connection, 5)
	waitUntil(t, func() bool {
		return !subscriber.Results().Loading
	})

	// regresses below the committed timestamp
	connection.send(ResultTypeRow, []any{5, false, 1, 2, "b"})
	connection.send(ResultTypeRow, []any{3, true, nil, nil, nil})

	nextConnection := server.nextConnection(t)
	results := subscriber.Results()
	assert.Equal(t, IsStateInvariantError(results.Err), true)
	assert.Equal(t, results.Loading, true)
	// the last good rows stay visible while recovering
	assert.Equal(t, rowStrings(results), []string{`{"id":1,"name":"a"}`})
	assert.Equal(t, testutil.ToFloat64(settings.Metrics.reconnects.WithLabelValues("invariant")), float64(1))

	assert.Equal(t, nextConnection.ready(), nil)
	nextConnection.nextRequest(t)
	waitUntil(t, func() bool {
		return subscriber.Results().Err == nil
	})

	nextConnection.send(ResultTypeRows, []string{"mz_timestamp", "mz_progressed", "mz_diff", "id", "name"})
	nextConnection.send(ResultTypeRow, []any{6, false, 1, 2, "b"})
	nextConnection.send(ResultTypeRow, []any{7, true, nil, nil, nil})
	waitUntil(t, func() bool {
		return !subscriber.Results().Loading
	})
	assert.Equal(t, rowStrings(subscriber.Results()), []string{`{"id":2,"name":"b"}`})
}

func TestSubscriberProtocolError(t *testing.T) {
	server := newTestServer(t)
	settings := testSubscriberSettings()
	subscriber := newTestSubscriber(t, server, &Query{Sql: "SELECT * FROM missing"}, settings)

	connection := server.nextConnection(t)
	assert.Equal(t, connection.ready(), nil)
	connection.nextRequest(t)
	connection.send(ResultTypeError, "unknown catalog item 'missing'")

	waitUntil(t, func() bool {
		return subscriber.Results().Err != nil
	})
	results := subscriber.Results()
	assert.Equal(t, IsProtocolError(results.Err), true)
	assert.Equal(t, strings.Contains(results.Err.Error(), "unknown catalog item"), true)
	assert.Equal(t, results.Loading, false)
	assertNoConnection(t, server)
	assert.Equal(t, testutil.ToFloat64(settings.Metrics.errors.WithLabelValues("protocol")), float64(1))
}

func TestSubscriberAuthError(t *testing.T) {
	server := newTestServer(t)
	subscriber := newTestSubscriber(t, server, &Query{Sql: "SELECT 1"}, testSubscriberSettings())

	connection := server.nextConnection(t)
	connection.send(ResultTypeError, "invalid password")

	waitUntil(t, func() bool {
		return subscriber.Results().Err != nil
	})
	assert.Equal(t, IsProtocolError(subscriber.Results().Err), true)
	assertNoConnection(t, server)
}

func TestSubscriberCompleteWithCluster(t *testing.T) {
	server := newTestServer(t)
	subscriber := newTestSubscriber(t, server, &Query{Sql: "SELECT * FROM t", Key: []string{"id"}, Cluster: "quickstart"}, testSubscriberSettings())

	connection := server.nextConnection(t)
	assert.Equal(t, connection.ready(), nil)
	request := connection.nextRequest(t)
	assert.Equal(t, request.Query, `SET cluster = "quickstart"; SUBSCRIBE (SELECT * FROM t) WITH (PROGRESS);`)

	connection.send(ResultTypeCommandComplete, "SET")
	connection.send(ResultTypeRows, []string{"mz_timestamp", "mz_progressed", "mz_diff", "id", "name"})
	connection.send(ResultTypeRow, []any{1, false, 1, 1, "a"})
	connection.send(ResultTypeCommandComplete, "SUBSCRIBE")

	// closed gracefully once complete
	err := waitFor(t, connection.closed)
	assert.Equal(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), true)

	results := subscriber.Results()
	assert.Equal(t, results.Err, nil)
	assert.Equal(t, results.Loading, false)
	assert.Equal(t, rowStrings(results), []string{`{"id":1,"name":"a"}`})
	assertNoConnection(t, server)
}

func TestSubscriberConnectionErrorReconnect(t *testing.T) {
	server := newTestServer(t)
	settings := testSubscriberSettings()
	subscriber := newTestSubscriber(t, server, &Query{Sql: "SELECT * FROM t", Key: []string{"id"}}, settings)

	connection := server.nextConnection(t)
	subscribeSnapshot(t, connection, 2)
	waitUntil(t, func() bool {
		return !subscriber.Results().Loading
	})

	connection.close()

	nextConnection := server.nextConnection(t)
	results := subscriber.Results()
	assert.Equal(t, IsConnectionError(results.Err), true)
	assert.Equal(t, results.Loading, true)
	assert.Equal(t, rowStrings(results), []string{`{"id":1,"name":"a"}`})
	assert.Equal(t, testutil.ToFloat64(settings.Metrics.reconnects.WithLabelValues("error")), float64(1))

	subscribeSnapshot(t, nextConnection, 4)
	waitUntil(t, func() bool {
		results := subscriber.Results()
		return results.Err == nil && !results.Loading
	})
}

func TestSubscriberConnectionErrorNoReconnect(t *testing.T) {
	server := newTestServer(t)
	settings := testSubscriberSettings()
	settings.ReconnectOnConnectionError = false
	subscriber := newTestSubscriber(t, server, &Query{Sql: "SELECT * FROM t"}, settings)

	connection := server.nextConnection(t)
	assert.Equal(t, connection.ready(), nil)
	connection.nextRequest(t)
	connection.close()

	waitUntil(t, func() bool {
		return subscriber.Results().Err != nil
	})
	results := subscriber.Results()
	assert.Equal(t, IsConnectionError(results.Err), true)
	assert.Equal(t, results.Loading, false)
	assertNoConnection(t, server)
}

func TestSubscriberIdleTimeout(t *testing.T) {
	server := newTestServer(t)
	settings := testSubscriberSettings()
	settings.IdleTimeout = 200 * time.Millisecond
	subscriber := newTestSubscriber(t, server, &Query{Sql: "SELECT * FROM t"}, settings)

	connection := server.nextConnection(t)
	assert.Equal(t, connection.ready(), nil)
	connection.nextRequest(t)

	// no progress rows follow
	nextConnection := server.nextConnection(t)
	assert.Equal(t, IsConnectionError(subscriber.Results().Err), true)
	assert.Equal(t, nextConnection.ready(), nil)
	nextConnection.nextRequest(t)
}

func TestSubscriberReload(t *testing.T) {
	server := newTestServer(t)
	settings := testSubscriberSettings()
	subscriber := newTestSubscriber(t, server, &Query{Sql: "SELECT * FROM t", Key: []string{"id"}}, settings)

	connection := server.nextConnection(t)
	subscribeSnapshot(t, connection, 2)
	waitUntil(t, func() bool {
		return !subscriber.Results().Loading
	})

	subscriber.Reload()
	nextConnection := server.nextConnection(t)
	waitUntil(t, func() bool {
		return subscriber.Results().Loading
	})
	subscribeSnapshot(t, nextConnection, 4)
	waitUntil(t, func() bool {
		return !subscriber.Results().Loading
	})
	assert.Equal(t, testutil.ToFloat64(settings.Metrics.reconnects.WithLabelValues("reload")), float64(1))
}

func TestSubscriberDropsStaleEvents(t *testing.T) {
	server := newTestServer(t)
	subscriber := newTestSubscriber(t, server, &Query{Sql: "SELECT * FROM t", Key: []string{"id"}}, testSubscriberSettings())

	connection := server.nextConnection(t)
	subscribeSnapshot(t, connection, 2)
	waitUntil(t, func() bool {
		return !subscriber.Results().Loading
	})
	previous := subscriber.Results()
	assert.Equal(t, previous.AttemptId.IsZero(), false)
	assert.Equal(t, previous.ConnectionId.IsZero(), false)

	subscriber.Reload()
	nextConnection := server.nextConnection(t)
	waitUntil(t, func() bool {
		return subscriber.Results().AttemptId != previous.AttemptId
	})
	current := subscriber.Results()
	assert.NotEqual(t, current.ConnectionId, previous.ConnectionId)

	subscribeSnapshot(t, nextConnection, 4)
	waitUntil(t, func() bool {
		return !subscriber.Results().Loading
	})
	assert.Equal(t, rowStrings(subscriber.Results()), []string{`{"id":1,"name":"a"}`})

	// late events of the previous attempt, and of a previous connection within the current attempt
	stale := []*subscriberEvent{
		{attemptId: previous.AttemptId, event: &SessionEvent{ConnectionId: previous.ConnectionId, Result: testDataRow(5, 1, 9, "z")}},
		{attemptId: previous.AttemptId, event: &SessionEvent{ConnectionId: previous.ConnectionId, Result: testProgressRow(6, 2)}},
		{attemptId: current.AttemptId, event: &SessionEvent{ConnectionId: previous.ConnectionId, Result: testDataRow(5, 1, 8, "y")}},
		{attemptId: current.AttemptId, event: &SessionEvent{ConnectionId: previous.ConnectionId, Result: testProgressRow(6, 2)}},
		{attemptId: previous.AttemptId, event: &SessionEvent{ConnectionId: previous.ConnectionId, Err: connectionErrorf("read: closed")}},
	}
	for _, event := range stale {
		subscriber.events <- event
	}

	// events of the current connection are handled after the stale ones
	nextConnection.send(ResultTypeRow, []any{5, false, 1, 2, "b"})
	nextConnection.send(ResultTypeRow, []any{6, true, nil, nil, nil})
	waitUntil(t, func() bool {
		return len(subscriber.Results().Rows) == 2
	})
	results := subscriber.Results()
	assert.Equal(t, rowStrings(results), []string{`{"id":1,"name":"a"}`, `{"id":2,"name":"b"}`})
	assert.Equal(t, results.Err, nil)
	assert.Equal(t, results.AttemptId, current.AttemptId)
}

func TestSubscriberClose(t *testing.T) {
	server := newTestServer(t)
	subscriber := newTestSubscriber(t, server, &Query{Sql: "SELECT * FROM t"}, testSubscriberSettings())

	connection := server.nextConnection(t)
	subscriber.Close()
	waitFor(t, subscriber.Done())
	waitFor(t, connection.closed)
}

func TestNewSubscriberValidates(t *testing.T) {
	server := newTestServer(t)

	_, err := NewSubscriberWithDefaults(context.Background(), server.config(), &Query{Sql: " "})
	assert.Equal(t, IsConfigurationError(err), true)

	_, err = NewSubscriberWithDefaults(context.Background(), &Config{Host: "localhost"}, &Query{Sql: "SELECT 1"})
	assert.Equal(t, IsConfigurationError(err), true)
}

func TestResultsJson(t *testing.T) {
	results := &Results{
		Columns: []string{"id"},
		Rows:    []*Row{NewRow([]string{"id"}, []any{1})},
		Err:     protocolErrorf("bad"),
	}
	resultsJson, err := json.Marshal(results)
	assert.Equal(t, err, nil)

	var m map[string]any
	assert.Equal(t, json.Unmarshal(resultsJson, &m), nil)
	assert.Equal(t, m["columns"], []any{"id"})
	assert.Equal(t, m["rows"], []any{map[string]any{"id": float64(1)}})
	assert.Equal(t, m["error_kind"], "protocol")
	assert.Equal(t, m["loading"], false)
	assert.Equal(t, strings.HasPrefix(m["error"].(string), "bad"), true)

	assert.Equal(t, m["attempt_id"], nil)

	results.AttemptId = NewId()
	resultsJson, _ = json.Marshal(results)
	m = map[string]any{}
	assert.Equal(t, json.Unmarshal(resultsJson, &m), nil)
	assert.Equal(t, m["attempt_id"], results.AttemptId.String())
	assert.Equal(t, m["connection_id"], nil)

	emptyJson, _ := json.Marshal(&Results{Loading: true})
	assert.Equal(t, string(emptyJson), `{"columns":[],"rows":[],"error":null,"loading":true}`)
}
