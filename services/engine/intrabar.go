package engine

// Bar is the OHLC slice of a signal row used for intrabar exit resolution.
type Bar struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// ExitReason classifies how a position was closed.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitSignal     ExitReason = "signal_exit"
	ExitForceClose ExitReason = "eod_force_close"
)

// ResolveExitLong decides at most one exit for a long position from a single
// bar's OHLC, in a fixed conservative order: the stop is checked before the
// target, and a deferred signal exit fills at the open only when neither
// level was touched. A bar whose low breaches the stop and whose high reaches
// the target in the same session always resolves as a stop.
func ResolveExitLong(bar Bar, stop, target float64, signalExit bool) (price float64, reason ExitReason, ok bool) {
	switch {
	case bar.Low <= stop:
		return stop, ExitStopLoss, true
	case bar.High >= target:
		return target, ExitTakeProfit, true
	case signalExit:
		return bar.Open, ExitSignal, true
	}
	return 0, "", false
}
