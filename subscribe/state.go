package subscribe

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// an ordered mapping of column name to value
// one instance per materialized key
type Row struct {
	columns []string
	values  []any
}

func NewRow(columns []string, values []any) *Row {
	return &Row{
		columns: columns,
		values:  values,
	}
}

func (self *Row) Columns() []string {
	return self.columns
}

func (self *Row) Values() []any {
	return self.values
}

func (self *Row) Get(column string) (any, bool) {
	i := slices.Index(self.columns, column)
	if i < 0 || len(self.values) <= i {
		return nil, false
	}
	return self.values[i], true
}

// a json object with keys in column order
func (self *Row) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('{')
	for i, column := range self.columns {
		if 0 < i {
			buff.WriteByte(',')
		}
		columnJson, err := json.Marshal(column)
		if err != nil {
			return nil, err
		}
		buff.Write(columnJson)
		buff.WriteByte(':')
		var value any
		if i < len(self.values) {
			value = self.values[i]
		}
		valueJson, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		buff.Write(valueJson)
	}
	buff.WriteByte('}')
	return buff.Bytes(), nil
}

func (self *Row) String() string {
	rowJson, err := self.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("%v", self.values)
	}
	return string(rowJson)
}

type Update struct {
	// nil in hash mode, where the key is the canonical serialization of `Value`.
	// an empty string is a valid key
	Key   *string `json:"key,omitempty"`
	Value *Row    `json:"value"`
	Diff  int64   `json:"diff"`
}

// identical rows always derive identical keys
func (self *Update) DerivedKey() string {
	if self.Key != nil {
		return *self.Key
	}
	return hashRow(self.Value)
}

func hashRow(row *Row) string {
	if row == nil {
		return "null"
	}
	rowJson, err := row.MarshalJSON()
	if err != nil {
		// values come from decoded json and always re-encode
		panic(err)
	}
	return string(rowJson)
}

// materialized state of a subscription, reconstructed from accumulated diffs
// a key is present iff its accumulated count is positive
//
// timestamps must not go backwards. once an update regresses the timestamp
// the state is invalid and every later update fails. the state must then be
// rebuilt from a fresh subscription.
//
// not safe for concurrent use. the subscriber event loop owns it.
type State struct {
	values    map[string]*Row
	counts    map[string]int64
	timestamp Timestamp
	valid     bool
	err       error
}

func NewState() *State {
	return &State{
		values:    map[string]*Row{},
		counts:    map[string]int64{},
		timestamp: 0,
		valid:     true,
	}
}

func (self *State) Get(key string) (*Row, bool) {
	row, ok := self.values[key]
	return row, ok
}

// ordered by key
func (self *State) Keys() []string {
	keys := maps.Keys(self.values)
	slices.Sort(keys)
	return keys
}

// the materialized rows, ordered by key
func (self *State) Values() []*Row {
	keys := self.Keys()
	rows := make([]*Row, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, self.values[key])
	}
	return rows
}

func (self *State) Len() int {
	return len(self.values)
}

func (self *State) IsValid() bool {
	return self.valid
}

func (self *State) Timestamp() Timestamp {
	return self.timestamp
}

func (self *State) validate(ts Timestamp) error {
	if !self.valid {
		return self.err
	}
	if ts < self.timestamp {
		self.valid = false
		self.err = stateInvariantErrorf(
			"update with timestamp (%d) is lower than the last timestamp (%d)",
			ts,
			self.timestamp,
		)
		return self.err
	}
	return nil
}

func (self *State) process(update *Update) {
	key := update.DerivedKey()
	count := self.counts[key] + update.Diff

	if count <= 0 {
		delete(self.values, key)
		delete(self.counts, key)
	} else {
		self.counts[key] = count
		// the latest value wins, independent of the count
		self.values[key] = update.Value
	}
}

func (self *State) Update(update *Update, ts Timestamp) error {
	if err := self.validate(ts); err != nil {
		return err
	}
	self.timestamp = ts
	self.process(update)
	return nil
}

// validates the timestamp once then applies the updates in order
// an empty batch is a no-op
func (self *State) BatchUpdate(updates []*Update, ts Timestamp) error {
	if len(updates) == 0 {
		return nil
	}
	if err := self.validate(ts); err != nil {
		return err
	}
	self.timestamp = ts
	for _, update := range updates {
		self.process(update)
	}
	return nil
}

// json of the materialized key to row map
func (self *State) String() string {
	var buff bytes.Buffer
	buff.WriteByte('{')
	for i, key := range self.Keys() {
		if 0 < i {
			buff.WriteByte(',')
		}
		keyJson, _ := json.Marshal(key)
		buff.Write(keyJson)
		buff.WriteByte(':')
		buff.WriteString(hashRow(self.values[key]))
	}
	buff.WriteByte('}')
	return buff.String()
}
