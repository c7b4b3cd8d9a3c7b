// Package export serializes backtest artifacts as Apache Arrow IPC streams
// so downstream analysis tools can consume them without parsing CSV.
package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"macross/services/engine"
)

// Encoder converts result slices to Arrow record batches.
type Encoder struct {
	mem memory.Allocator
}

// NewEncoder builds an encoder backed by the Go allocator.
func NewEncoder() *Encoder {
	return &Encoder{mem: memory.NewGoAllocator()}
}

// Trades encodes the trade ledger. An empty ledger still yields a stream
// with the schema and a zero-row record, so consumers always see columns.
func (e *Encoder) Trades(trades []engine.Trade) ([]byte, error) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "symbol", Type: arrow.BinaryTypes.String},
		{Name: "entry_ts", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "entry_price", Type: arrow.PrimitiveTypes.Float64},
		{Name: "exit_ts", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "exit_price", Type: arrow.PrimitiveTypes.Float64},
		{Name: "shares", Type: arrow.PrimitiveTypes.Int64},
		{Name: "gross_pnl", Type: arrow.PrimitiveTypes.Float64},
		{Name: "commissions", Type: arrow.PrimitiveTypes.Float64},
		{Name: "net_pnl", Type: arrow.PrimitiveTypes.Float64},
		{Name: "pnl_pct", Type: arrow.PrimitiveTypes.Float64},
		{Name: "exit_reason", Type: arrow.BinaryTypes.String},
		{Name: "bars_held", Type: arrow.PrimitiveTypes.Int32},
	}, nil)

	n := len(trades)
	symbols := make([]string, n)
	entryTs := make([]uint64, n)
	entryPrices := make([]float64, n)
	exitTs := make([]uint64, n)
	exitPrices := make([]float64, n)
	shares := make([]int64, n)
	grossPnLs := make([]float64, n)
	commissions := make([]float64, n)
	netPnLs := make([]float64, n)
	pnlPcts := make([]float64, n)
	reasons := make([]string, n)
	barsHeld := make([]int32, n)

	for i, t := range trades {
		symbols[i] = t.Symbol
		entryTs[i] = unixMilli(t.EntryDate)
		entryPrices[i] = t.EntryPrice
		exitTs[i] = unixMilli(t.ExitDate)
		exitPrices[i] = t.ExitPrice
		shares[i] = int64(t.Shares)
		grossPnLs[i] = t.GrossPnL
		commissions[i] = t.Commissions
		netPnLs[i] = t.NetPnL
		pnlPcts[i] = t.PnLPct
		reasons[i] = string(t.ExitReason)
		barsHeld[i] = int32(t.BarsHeld)
	}

	symbolBuilder := array.NewStringBuilder(e.mem)
	symbolBuilder.AppendValues(symbols, nil)
	entryTsBuilder := array.NewUint64Builder(e.mem)
	entryTsBuilder.AppendValues(entryTs, nil)
	entryPriceBuilder := array.NewFloat64Builder(e.mem)
	entryPriceBuilder.AppendValues(entryPrices, nil)
	exitTsBuilder := array.NewUint64Builder(e.mem)
	exitTsBuilder.AppendValues(exitTs, nil)
	exitPriceBuilder := array.NewFloat64Builder(e.mem)
	exitPriceBuilder.AppendValues(exitPrices, nil)
	sharesBuilder := array.NewInt64Builder(e.mem)
	sharesBuilder.AppendValues(shares, nil)
	grossBuilder := array.NewFloat64Builder(e.mem)
	grossBuilder.AppendValues(grossPnLs, nil)
	commissionBuilder := array.NewFloat64Builder(e.mem)
	commissionBuilder.AppendValues(commissions, nil)
	netBuilder := array.NewFloat64Builder(e.mem)
	netBuilder.AppendValues(netPnLs, nil)
	pctBuilder := array.NewFloat64Builder(e.mem)
	pctBuilder.AppendValues(pnlPcts, nil)
	reasonBuilder := array.NewStringBuilder(e.mem)
	reasonBuilder.AppendValues(reasons, nil)
	heldBuilder := array.NewInt32Builder(e.mem)
	heldBuilder.AppendValues(barsHeld, nil)

	cols := []arrow.Array{
		symbolBuilder.NewStringArray(),
		entryTsBuilder.NewUint64Array(),
		entryPriceBuilder.NewFloat64Array(),
		exitTsBuilder.NewUint64Array(),
		exitPriceBuilder.NewFloat64Array(),
		sharesBuilder.NewInt64Array(),
		grossBuilder.NewFloat64Array(),
		commissionBuilder.NewFloat64Array(),
		netBuilder.NewFloat64Array(),
		pctBuilder.NewFloat64Array(),
		reasonBuilder.NewStringArray(),
		heldBuilder.NewInt32Array(),
	}
	return e.encode(schema, cols, n)
}

// Equity encodes the daily equity curve.
func (e *Encoder) Equity(curve []engine.EquitySnapshot) ([]byte, error) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "ts", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "cash", Type: arrow.PrimitiveTypes.Float64},
		{Name: "position_value", Type: arrow.PrimitiveTypes.Float64},
		{Name: "equity", Type: arrow.PrimitiveTypes.Float64},
	}, nil)

	n := len(curve)
	ts := make([]uint64, n)
	cash := make([]float64, n)
	positionValue := make([]float64, n)
	equity := make([]float64, n)
	for i, snap := range curve {
		ts[i] = unixMilli(snap.Date)
		cash[i] = snap.Cash
		positionValue[i] = snap.PositionValue
		equity[i] = snap.Equity
	}

	tsBuilder := array.NewUint64Builder(e.mem)
	tsBuilder.AppendValues(ts, nil)
	cashBuilder := array.NewFloat64Builder(e.mem)
	cashBuilder.AppendValues(cash, nil)
	posBuilder := array.NewFloat64Builder(e.mem)
	posBuilder.AppendValues(positionValue, nil)
	equityBuilder := array.NewFloat64Builder(e.mem)
	equityBuilder.AppendValues(equity, nil)

	cols := []arrow.Array{
		tsBuilder.NewUint64Array(),
		cashBuilder.NewFloat64Array(),
		posBuilder.NewFloat64Array(),
		equityBuilder.NewFloat64Array(),
	}
	return e.encode(schema, cols, n)
}

func (e *Encoder) encode(schema *arrow.Schema, cols []arrow.Array, rows int) ([]byte, error) {
	record := array.NewRecord(schema, cols, int64(rows))
	defer record.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(e.mem))
	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, fmt.Errorf("write arrow record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close arrow stream: %w", err)
	}
	return buf.Bytes(), nil
}

func unixMilli(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}
