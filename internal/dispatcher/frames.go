package dispatcher

import (
	"bytes"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/bookstream/errs"
)

// Info codes that invalidate every book on the connection.
const (
	InfoReconnect       = 20051
	InfoMaintenanceDone = 20061
)

// Frame labels used for metrics.
const (
	FrameControl   = "control"
	FrameData      = "data"
	FrameHeartbeat = "heartbeat"
)

// Drop reasons used for metrics.
const (
	DropMalformed      = "malformed"
	DropUnknownChannel = "unknown_channel"
	DropUnsynced       = "unsynced"
	DropIgnored        = "ignored"
)

const (
	heartbeat  = "hb"
	tradeExec  = "te"
	tradeUpd   = "tu"
	checksum   = "cs"
	objectMark = '{'
	arrayMark  = '['
)

// controlFrame is the union of every event object the venue sends.
type controlFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	ChanID  int64           `json:"chanId"`
	Symbol  string          `json:"symbol"`
	Pair    string          `json:"pair"`
	Code    json.RawMessage `json:"code"`
	Msg     string          `json:"msg"`
	Version int             `json:"version"`
}

// venueSymbol prefers symbol over pair; v1 acks only carry pair.
func (c controlFrame) venueSymbol() string {
	if s := strings.TrimSpace(c.Symbol); s != "" {
		return s
	}
	return strings.TrimSpace(c.Pair)
}

func (c controlFrame) code() string {
	return rawScalar(c.Code)
}

// rawScalar renders a JSON number or string without quotes.
func rawScalar(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

func firstByte(raw []byte) byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

// isArrayOfArrays reports whether raw is a JSON array whose elements are arrays.
// An empty array counts, since empty snapshots are valid.
func isArrayOfArrays(items []json.RawMessage) bool {
	if len(items) == 0 {
		return true
	}
	return firstByte(items[0]) == arrayMark
}

func parseChanID(raw json.RawMessage) (int64, error) {
	id, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
	if err != nil || id <= 0 {
		return 0, malformed("channel id is not a positive integer", err)
	}
	return id, nil
}

func parseString(raw json.RawMessage) (string, bool) {
	if firstByte(raw) != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func malformed(msg string, cause error) error {
	opts := []errs.Option{errs.WithMessage(msg)}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New("dispatcher", errs.CodeMalformedFrame, opts...)
}
