package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quantmesh/lobcore/internal/book"
)

// Payload encoding is a simple length-prefixed format: decimals and
// strings are written as a uint32 byte-length followed by their bytes
// (decimals as their exact decimal string, never a float), so that
// journal replay never loses precision the matching algorithm relied
// on when the entry was first written.

func putString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func getString(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, fmt.Errorf("journal: short string length")
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return "", nil, fmt.Errorf("journal: short string body")
	}
	return string(buf[:n]), buf[n:], nil
}

func putDecimal(buf []byte, d decimal.Decimal) []byte {
	return putString(buf, d.String())
}

func getDecimal(buf []byte) (decimal.Decimal, []byte, error) {
	s, rest, err := getString(buf)
	if err != nil {
		return decimal.Decimal{}, nil, err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, nil, fmt.Errorf("journal: bad decimal %q: %w", s, err)
	}
	return d, rest, nil
}

// AddPayload is the body of an OpAdd entry: the full order state at
// the moment it was accepted (post-matching, so a partially or fully
// filled add is journaled with its resulting FilledQuantity/Status)
// plus the maker-side fills it generated. Replay applies Fills
// directly to the already-resident maker orders instead of
// re-running matching, so it is deterministic given only this record.
type AddPayload struct {
	ID             string
	Symbol         string
	Side           book.Side
	Type           book.Type
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	Status         book.Status
	CreatedAt      int64
	Fills          []MarketFill
}

func encodeAdd(p AddPayload) []byte {
	var buf []byte
	buf = putString(buf, p.ID)
	buf = putString(buf, p.Symbol)
	buf = append(buf, byte(p.Side), byte(p.Type))
	buf = putDecimal(buf, p.Price)
	buf = putDecimal(buf, p.Quantity)
	buf = putDecimal(buf, p.FilledQuantity)
	buf = append(buf, byte(p.Status))
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(p.CreatedAt))
	buf = append(buf, tsBuf[:]...)
	return putFills(buf, p.Fills)
}

func putFills(buf []byte, fills []MarketFill) []byte {
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(fills)))
	buf = append(buf, countBuf[:]...)
	for _, f := range fills {
		buf = putString(buf, f.MakerID)
		buf = putDecimal(buf, f.Price)
		buf = putDecimal(buf, f.Qty)
	}
	return buf
}

func getFills(buf []byte) ([]MarketFill, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("journal: short fill count")
	}
	count := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	fills := make([]MarketFill, 0, count)
	var err error
	for i := uint32(0); i < count; i++ {
		var f MarketFill
		f.MakerID, buf, err = getString(buf)
		if err != nil {
			return nil, nil, err
		}
		f.Price, buf, err = getDecimal(buf)
		if err != nil {
			return nil, nil, err
		}
		f.Qty, buf, err = getDecimal(buf)
		if err != nil {
			return nil, nil, err
		}
		fills = append(fills, f)
	}
	return fills, buf, nil
}

func decodeAdd(buf []byte) (AddPayload, error) {
	var p AddPayload
	var err error
	p.ID, buf, err = getString(buf)
	if err != nil {
		return p, err
	}
	p.Symbol, buf, err = getString(buf)
	if err != nil {
		return p, err
	}
	if len(buf) < 2 {
		return p, fmt.Errorf("journal: short add header")
	}
	p.Side, p.Type = book.Side(buf[0]), book.Type(buf[1])
	buf = buf[2:]
	p.Price, buf, err = getDecimal(buf)
	if err != nil {
		return p, err
	}
	p.Quantity, buf, err = getDecimal(buf)
	if err != nil {
		return p, err
	}
	p.FilledQuantity, buf, err = getDecimal(buf)
	if err != nil {
		return p, err
	}
	if len(buf) < 9 {
		return p, fmt.Errorf("journal: short add trailer")
	}
	p.Status = book.Status(buf[0])
	p.CreatedAt = int64(binary.LittleEndian.Uint64(buf[1:9]))
	buf = buf[9:]
	p.Fills, _, err = getFills(buf)
	return p, err
}

// CancelPayload is the body of an OpCancel entry.
type CancelPayload struct {
	ID string
}

func encodeCancel(p CancelPayload) []byte {
	return putString(nil, p.ID)
}

func decodeCancel(buf []byte) (CancelPayload, error) {
	id, _, err := getString(buf)
	return CancelPayload{ID: id}, err
}

// ExecutePayload is the body of an OpExecute entry: a direct fill
// against an existing resting order, outside of matching.
type ExecutePayload struct {
	ID  string
	Qty decimal.Decimal
}

func encodeExecute(p ExecutePayload) []byte {
	buf := putString(nil, p.ID)
	return putDecimal(buf, p.Qty)
}

func decodeExecute(buf []byte) (ExecutePayload, error) {
	var p ExecutePayload
	var err error
	p.ID, buf, err = getString(buf)
	if err != nil {
		return p, err
	}
	p.Qty, _, err = getDecimal(buf)
	return p, err
}

// MarketFill mirrors book.Fill for journal serialization.
type MarketFill struct {
	MakerID string
	Price   decimal.Decimal
	Qty     decimal.Decimal
}

// MarketPayload is the body of an OpMarket entry: a market sweep and
// the resulting maker fills, so replay can reapply them against the
// same resting orders without re-running matching.
type MarketPayload struct {
	Side  book.Side
	Qty   decimal.Decimal
	Fills []MarketFill
}

func encodeMarket(p MarketPayload) []byte {
	var buf []byte
	buf = append(buf, byte(p.Side))
	buf = putDecimal(buf, p.Qty)
	return putFills(buf, p.Fills)
}

func decodeMarket(buf []byte) (MarketPayload, error) {
	var p MarketPayload
	if len(buf) < 1 {
		return p, fmt.Errorf("journal: short market header")
	}
	p.Side = book.Side(buf[0])
	buf = buf[1:]
	var err error
	p.Qty, buf, err = getDecimal(buf)
	if err != nil {
		return p, err
	}
	p.Fills, _, err = getFills(buf)
	return p, err
}
