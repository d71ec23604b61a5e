package book

import (
	"bytes"
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/bookstream/errs"
)

// Record is one [price, count, amount] book entry as sent by the venue.
// Amount is signed: positive for bids, negative for asks.
type Record struct {
	Price  decimal.Decimal
	Count  int64
	Amount decimal.Decimal
}

// ParseRecord decodes a single [price, count, amount] tuple.
func ParseRecord(raw json.RawMessage) (Record, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Record{}, malformed("book record is not an array", err)
	}
	return recordFromFields(fields)
}

// ParseRecords decodes an array of [price, count, amount] tuples.
func ParseRecords(raw json.RawMessage) ([]Record, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, malformed("book snapshot is not an array of records", err)
	}
	out := make([]Record, 0, len(rows))
	for i, row := range rows {
		rec, err := recordFromFields(row)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func recordFromFields(fields []json.RawMessage) (Record, error) {
	if len(fields) != 3 {
		return Record{}, malformed("book record needs 3 fields, got "+strconv.Itoa(len(fields)), nil)
	}
	price, err := Decimal(fields[0])
	if err != nil {
		return Record{}, malformed("book record price", err)
	}
	count, err := Decimal(fields[1])
	if err != nil {
		return Record{}, malformed("book record count", err)
	}
	if !count.IsInteger() || count.Sign() < 0 {
		return Record{}, malformed("book record count must be a non-negative integer", nil)
	}
	amount, err := Decimal(fields[2])
	if err != nil {
		return Record{}, malformed("book record amount", err)
	}
	return Record{Price: price, Count: count.IntPart(), Amount: amount}, nil
}

// Decimal parses a JSON number or numeric string without passing through float64.
func Decimal(raw json.RawMessage) (decimal.Decimal, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return decimal.Decimal{}, fmt.Errorf("empty number")
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return decimal.Decimal{}, fmt.Errorf("decode numeric string: %w", err)
		}
		return decimal.NewFromString(s)
	}
	return decimal.NewFromString(string(trimmed))
}

func malformed(msg string, cause error) error {
	opts := []errs.Option{errs.WithMessage(msg)}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New("book", errs.CodeMalformedFrame, opts...)
}
