package subscribe

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5"
	"golang.org/x/exp/slices"
)

// controller state machine is:
// ControllerStateClusterConfirmPending (only when a cluster is set)
//
//	-> ControllerStateAwaitingSchema
//	  -> ControllerStateBuffering
//	    <-> ControllerStateFlushed
//	    -> ControllerStateClosed (terminal)
//
// any state -> ControllerStateError (terminal)
type ControllerState string

const (
	ControllerStateClusterConfirmPending ControllerState = "ClusterConfirmPending"
	ControllerStateAwaitingSchema        ControllerState = "AwaitingSchema"
	ControllerStateBuffering             ControllerState = "Buffering"
	ControllerStateFlushed               ControllerState = "Flushed"
	ControllerStateClosed                ControllerState = "Closed"
	ControllerStateError                 ControllerState = "Error"
)

func (self ControllerState) IsTerminal() bool {
	switch self {
	case ControllerStateClosed, ControllerStateError:
		return true
	default:
		return false
	}
}

// the materialized view after a flush
type SubscriptionUpdate struct {
	Columns   []string
	Rows      []*Row
	Timestamp Timestamp
	// the updates applied by this flush only
	History []*Update
}

type SubscriptionHandlers struct {
	OnUpdate   func(update *SubscriptionUpdate)
	OnComplete func(update *SubscriptionUpdate)
	OnError    func(err error)
}

// builds the statement for a query.
// the subscribe always runs with progress so that every timestamp is closed by a progress row
func SubscribeStatement(query *Query) string {
	var b strings.Builder
	if query.Cluster != "" {
		fmt.Fprintf(&b, "SET cluster = %s; ", pgx.Identifier{query.Cluster}.Sanitize())
	}
	options := "PROGRESS"
	if query.NoSnapshot {
		options = "SNAPSHOT = false, PROGRESS"
	}
	sql := strings.TrimSuffix(strings.TrimSpace(query.Sql), ";")
	fmt.Fprintf(&b, "SUBSCRIBE (%s) WITH (%s);", sql, options)
	return b.String()
}

// sits between the session and the state
// rows are buffered until a progress row, then flushed into the state as one batch
// so that a caller never sees a partially applied timestamp
//
// created together with its state for each subscription attempt and discarded on reconnect.
// not safe for concurrent use. the subscriber event loop owns it.
type SubscriptionController struct {
	query    *Query
	state    *State
	handlers *SubscriptionHandlers
	log      LogFunction

	controllerState ControllerState
	clusterPending  bool

	// visible columns, without the reserved leading columns
	columns []string
	// indexes of the key columns in the raw row payload. nil is hash mode
	keyIndexes []int

	buffer        []*Update
	updated       bool
	progressed    bool
	lastTimestamp Timestamp
}

func NewSubscriptionController(query *Query, state *State, handlers *SubscriptionHandlers) *SubscriptionController {
	controllerState := ControllerStateAwaitingSchema
	if query.Cluster != "" {
		controllerState = ControllerStateClusterConfirmPending
	}
	return &SubscriptionController{
		query:           query,
		state:           state,
		handlers:        handlers,
		log:             LogFn(LogLevelDebug, "[c]"),
		controllerState: controllerState,
		clusterPending:  query.Cluster != "",
		buffer:          []*Update{},
	}
}

func (self *SubscriptionController) Request() *SqlRequest {
	return NewSimpleRequest(SubscribeStatement(self.query))
}

func (self *SubscriptionController) ControllerState() ControllerState {
	return self.controllerState
}

func (self *SubscriptionController) Columns() []string {
	return self.columns
}

func (self *SubscriptionController) KeyIndexes() []int {
	return self.keyIndexes
}

func (self *SubscriptionController) State() *State {
	return self.state
}

func (self *SubscriptionController) HandleResult(result *WebSocketResult) {
	if self.controllerState.IsTerminal() {
		self.log("drop %s after %s", result.Type, self.controllerState)
		return
	}

	switch result.Type {
	case ResultTypeRows:
		columns, err := result.ColumnsPayload()
		if err != nil {
			self.fail(err)
			return
		}
		self.handleSchema(columns)
	case ResultTypeRow:
		row, err := result.RowPayload()
		if err != nil {
			self.fail(err)
			return
		}
		self.handleRow(row)
	case ResultTypeCommandComplete:
		tag, _ := result.StringPayload()
		self.handleCommandComplete(tag)
	case ResultTypeError:
		message, err := result.StringPayload()
		if err != nil {
			self.fail(err)
			return
		}
		self.fail(protocolErrorf("%s", message))
	case ResultTypeNotice:
		notice, err := result.NoticePayload()
		if err != nil {
			glog.Infof("[c]bad notice = %s\n", err)
			return
		}
		if notice.Severity.IsAbnormal() {
			glog.Infof("[c]notice %s: %s\n", notice.Severity, notice.Message)
		} else if glog.V(LogLevelNotice) {
			glog.Infof("[c]notice %s: %s\n", notice.Severity, notice.Message)
		}
	case ResultTypeReadyForQuery:
		// readiness is tracked by the session
	default:
		glog.Infof("[c]unknown result type %s\n", result.Type)
	}
}

// the transport failed. the buffer is dropped with the attempt
func (self *SubscriptionController) HandleError(err error) {
	if self.controllerState.IsTerminal() {
		return
	}
	self.fail(err)
}

func (self *SubscriptionController) handleSchema(columns []string) {
	if len(columns) < ReservedColumnCount {
		self.fail(protocolErrorf("schema has %d columns, expected at least %d", len(columns), ReservedColumnCount))
		return
	}
	visibleColumns := slices.Clone(columns[ReservedColumnCount:])
	if self.columns != nil {
		// the schema is fixed for the attempt
		if !slices.Equal(self.columns, visibleColumns) {
			self.fail(protocolErrorf("schema changed from %v to %v", self.columns, visibleColumns))
		}
		return
	}
	self.columns = visibleColumns
	self.keyIndexes = resolveKeyIndexes(visibleColumns, self.query.Key)
	if len(self.query.Key) != 0 && self.keyIndexes == nil {
		glog.Infof("[c]key %v not in columns %v. using row hash.\n", self.query.Key, visibleColumns)
	}
	self.controllerState = ControllerStateBuffering
	self.log("schema %v key indexes %v", self.columns, self.keyIndexes)
}

// indexes into the raw payload, offset by the reserved columns.
// nil when any key column is missing
func resolveKeyIndexes(visibleColumns []string, key []string) []int {
	if len(key) == 0 {
		return nil
	}
	keyIndexes := make([]int, 0, len(key))
	for _, keyColumn := range key {
		i := slices.Index(visibleColumns, keyColumn)
		if i < 0 {
			return nil
		}
		keyIndexes = append(keyIndexes, i+ReservedColumnCount)
	}
	return keyIndexes
}

// data rows are buffered. a progress row flushes the buffer when it is dirty.
// the first progress row of an attempt always flushes, even with an empty buffer,
// so that an empty snapshot is materialized.
// a data row older than the committed timestamp invalidates the state
func (self *SubscriptionController) handleRow(row *SubscribeRow) {
	if self.columns == nil {
		self.fail(protocolErrorf("row before schema"))
		return
	}

	if row.Progress {
		if self.updated || !self.progressed {
			self.flush(row.Timestamp)
		}
		self.progressed = true
		return
	}

	if err := self.state.validate(row.Timestamp); err != nil {
		self.fail(err)
		return
	}

	values := row.Values()
	if len(values) != len(self.columns) {
		self.fail(protocolErrorf("row has %d values, expected %d", len(values), len(self.columns)))
		return
	}
	update := &Update{
		Key:   self.rowKey(row),
		Value: NewRow(self.columns, values),
		Diff:  row.Diff,
	}
	self.buffer = append(self.buffer, update)
	self.updated = true
	if self.lastTimestamp < row.Timestamp {
		self.lastTimestamp = row.Timestamp
	}
	self.controllerState = ControllerStateBuffering
}

// nil in hash mode
func (self *SubscriptionController) rowKey(row *SubscribeRow) *string {
	var key string
	switch len(self.keyIndexes) {
	case 0:
		return nil
	case 1:
		key = keyString(row.Raw[self.keyIndexes[0]])
	default:
		keyValues := make([]any, 0, len(self.keyIndexes))
		for _, i := range self.keyIndexes {
			keyValues = append(keyValues, row.Raw[i])
		}
		keyJson, err := json.Marshal(keyValues)
		if err != nil {
			panic(err)
		}
		key = string(keyJson)
	}
	return &key
}

func keyString(v any) string {
	switch w := v.(type) {
	case string:
		return w
	case json.Number:
		return w.String()
	default:
		keyJson, err := json.Marshal(w)
		if err != nil {
			panic(err)
		}
		return string(keyJson)
	}
}

func (self *SubscriptionController) handleCommandComplete(tag string) {
	if self.clusterPending {
		// the first complete confirms the cluster selection
		self.clusterPending = false
		if self.columns == nil {
			self.controllerState = ControllerStateAwaitingSchema
		}
		self.log("cluster confirmed (%s)", tag)
		return
	}

	ts := self.state.Timestamp()
	if ts < self.lastTimestamp {
		ts = self.lastTimestamp
	}
	if self.updated {
		if !self.flush(ts) {
			return
		}
	}
	self.controllerState = ControllerStateClosed
	self.log("complete (%s)", tag)
	if self.handlers.OnComplete != nil {
		self.handlers.OnComplete(self.subscriptionUpdate(ts, nil))
	}
}

// the buffer is cleared whether or not the state accepts it
func (self *SubscriptionController) flush(ts Timestamp) bool {
	updates := self.buffer
	self.buffer = []*Update{}
	self.updated = false

	if err := self.state.BatchUpdate(updates, ts); err != nil {
		self.fail(err)
		return false
	}

	self.controllerState = ControllerStateFlushed
	self.log("flush %d updates at %d (%d rows)", len(updates), ts, self.state.Len())
	if self.handlers.OnUpdate != nil {
		self.handlers.OnUpdate(self.subscriptionUpdate(ts, updates))
	}
	return true
}

func (self *SubscriptionController) subscriptionUpdate(ts Timestamp, history []*Update) *SubscriptionUpdate {
	return &SubscriptionUpdate{
		Columns:   self.columns,
		Rows:      self.state.Values(),
		Timestamp: ts,
		History:   history,
	}
}

func (self *SubscriptionController) fail(err error) {
	self.buffer = []*Update{}
	self.updated = false
	self.controllerState = ControllerStateError
	if self.handlers.OnError != nil {
		self.handlers.OnError(err)
	}
}
