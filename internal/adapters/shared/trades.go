package shared

import (
	"bytes"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/bookstream/errs"
	"github.com/coachpo/bookstream/internal/book"
	"github.com/coachpo/bookstream/internal/schema"
)

// ParseTradeTuple normalizes an [ID, MTS, AMOUNT, PRICE] tuple.
// A negative amount marks a seller-initiated trade; the stored amount is its magnitude.
func ParseTradeTuple(exchange string, fields []json.RawMessage) (schema.Trade, error) {
	if len(fields) < 4 {
		return schema.Trade{}, errs.New(exchange, errs.CodeMalformedFrame,
			errs.WithMessage("trade tuple needs 4 fields, got "+strconv.Itoa(len(fields))))
	}
	id, err := tradeID(fields[0])
	if err != nil {
		return schema.Trade{}, errs.New(exchange, errs.CodeMalformedFrame, errs.WithMessage("trade id"), errs.WithCause(err))
	}
	mts, err := book.Decimal(fields[1])
	if err != nil || !mts.IsInteger() {
		return schema.Trade{}, errs.New(exchange, errs.CodeMalformedFrame, errs.WithMessage("trade timestamp"), errs.WithCause(err))
	}
	amount, err := book.Decimal(fields[2])
	if err != nil {
		return schema.Trade{}, errs.New(exchange, errs.CodeMalformedFrame, errs.WithMessage("trade amount"), errs.WithCause(err))
	}
	price, err := book.Decimal(fields[3])
	if err != nil {
		return schema.Trade{}, errs.New(exchange, errs.CodeMalformedFrame, errs.WithMessage("trade price"), errs.WithCause(err))
	}
	side := schema.TradeSideBuy
	if amount.Sign() < 0 {
		side = schema.TradeSideSell
	}
	return schema.Trade{
		ID:        id,
		Timestamp: time.UnixMilli(mts.IntPart()).UTC(),
		Price:     price,
		Amount:    amount.Abs(),
		Side:      side,
	}, nil
}

func tradeID(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	n, err := book.Decimal(trimmed)
	if err != nil {
		return "", err
	}
	return n.String(), nil
}
