package subscribe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// wire messages of the sql websocket api
// every frame is a json text message `{"type": <ResultType>, "payload": ...}`

type ResultType string

const (
	ResultTypeReadyForQuery   ResultType = "ReadyForQuery"
	ResultTypeNotice          ResultType = "Notice"
	ResultTypeCommandComplete ResultType = "CommandComplete"
	ResultTypeError           ResultType = "Error"
	ResultTypeRows            ResultType = "Rows"
	ResultTypeRow             ResultType = "Row"
)

type NoticeSeverity string

const (
	NoticeSeverityPanic   NoticeSeverity = "Panic"
	NoticeSeverityFatal   NoticeSeverity = "Fatal"
	NoticeSeverityError   NoticeSeverity = "Error"
	NoticeSeverityWarning NoticeSeverity = "Warning"
	NoticeSeverityNotice  NoticeSeverity = "Notice"
	NoticeSeverityDebug   NoticeSeverity = "Debug"
	NoticeSeverityInfo    NoticeSeverity = "Info"
	NoticeSeverityLog     NoticeSeverity = "Log"
)

// warnings and above are logged as abnormal events
func (self NoticeSeverity) IsAbnormal() bool {
	switch self {
	case NoticeSeverityPanic, NoticeSeverityFatal, NoticeSeverityError, NoticeSeverityWarning:
		return true
	default:
		return false
	}
}

type Notice struct {
	Message  string         `json:"message"`
	Severity NoticeSeverity `json:"severity"`
}

// the first three columns of a subscribe with progress
const ReservedColumnCount = 3

type Timestamp = uint64

// one `Row` payload of a subscribe with progress
// `[timestamp, progressed, diff, ...columnValues]`
type SubscribeRow struct {
	Timestamp Timestamp
	Progress  bool
	Diff      int64
	// the full payload, including the reserved leading values
	Raw []any
}

func (self *SubscribeRow) Values() []any {
	return self.Raw[ReservedColumnCount:]
}

type WebSocketResult struct {
	Type    ResultType      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func ParseWebSocketResult(message []byte) (*WebSocketResult, error) {
	result := &WebSocketResult{}
	if err := json.Unmarshal(message, result); err != nil {
		return nil, protocolErrorf("bad message: %s", err)
	}
	if result.Type == "" {
		return nil, protocolErrorf("message has no type")
	}
	return result, nil
}

// payload of `ReadyForQuery`, `CommandComplete` and `Error`
func (self *WebSocketResult) StringPayload() (string, error) {
	var s string
	if err := json.Unmarshal(self.Payload, &s); err != nil {
		return "", protocolErrorf("bad %s payload: %s", self.Type, err)
	}
	return s, nil
}

func (self *WebSocketResult) NoticePayload() (*Notice, error) {
	notice := &Notice{}
	if err := json.Unmarshal(self.Payload, notice); err != nil {
		return nil, protocolErrorf("bad %s payload: %s", self.Type, err)
	}
	return notice, nil
}

func (self *WebSocketResult) ColumnsPayload() ([]string, error) {
	var columns []string
	if err := json.Unmarshal(self.Payload, &columns); err != nil {
		return nil, protocolErrorf("bad %s payload: %s", self.Type, err)
	}
	return columns, nil
}

func (self *WebSocketResult) RowPayload() (*SubscribeRow, error) {
	decoder := json.NewDecoder(bytes.NewReader(self.Payload))
	// keep numbers exact. keys and hashes are derived from their text
	decoder.UseNumber()
	var raw []any
	if err := decoder.Decode(&raw); err != nil {
		return nil, protocolErrorf("bad %s payload: %s", self.Type, err)
	}
	if len(raw) < ReservedColumnCount {
		return nil, protocolErrorf("%s payload has %d values, expected at least %d", self.Type, len(raw), ReservedColumnCount)
	}

	ts, err := parseTimestamp(raw[0])
	if err != nil {
		return nil, err
	}
	progress, ok := raw[1].(bool)
	if !ok {
		return nil, protocolErrorf("bad progress flag %v", raw[1])
	}
	var diff int64
	if !progress || raw[2] != nil {
		// progress rows carry a null diff
		diff, err = parseDiff(raw[2])
		if err != nil {
			return nil, err
		}
	}

	return &SubscribeRow{
		Timestamp: ts,
		Progress:  progress,
		Diff:      diff,
		Raw:       raw,
	}, nil
}

// timestamps are numeric and may be rendered as a number or a string
func parseTimestamp(v any) (Timestamp, error) {
	var s string
	switch w := v.(type) {
	case json.Number:
		s = w.String()
	case string:
		s = w
	default:
		return 0, protocolErrorf("bad timestamp %v", v)
	}
	// numeric timestamps may carry a zero fraction
	if i := strings.IndexByte(s, '.'); 0 <= i && strings.Trim(s[i+1:], "0") == "" {
		s = s[:i]
	}
	ts, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, protocolErrorf("bad timestamp %q", s)
	}
	return ts, nil
}

func parseDiff(v any) (int64, error) {
	var s string
	switch w := v.(type) {
	case json.Number:
		s = w.String()
	case string:
		s = w
	default:
		return 0, protocolErrorf("bad diff %v", v)
	}
	diff, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, protocolErrorf("bad diff %q", s)
	}
	return diff, nil
}

func (self *WebSocketResult) String() string {
	return fmt.Sprintf("%s %s", self.Type, string(self.Payload))
}

type ExtendedRequestItem struct {
	Query  string    `json:"query"`
	Params []*string `json:"params,omitempty"`
}

// either a simple request with `Query` or an extended request with `Queries`
type SqlRequest struct {
	Query   string                 `json:"query,omitempty"`
	Queries []*ExtendedRequestItem `json:"queries,omitempty"`
}

func NewSimpleRequest(query string) *SqlRequest {
	return &SqlRequest{
		Query: query,
	}
}

func NewExtendedRequest(queries ...*ExtendedRequestItem) *SqlRequest {
	return &SqlRequest{
		Queries: queries,
	}
}

// the credentials payload sent first on every connection
type AuthMessage struct {
	User     string `json:"user"`
	Password string `json:"password"`
}
