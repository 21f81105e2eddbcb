package lifecycle

import "fmt"

// StopMode is the stop mode of a trading-task stop request. The worker
// winds down the same way for every mode; only graceful_close adds work
// (see StateMachine.StopTrading). Stop modes only apply to trading tasks.
type StopMode string

const (
	StopModeImmediate     StopMode = "immediate"
	StopModeGraceful      StopMode = "graceful"
	StopModeGracefulClose StopMode = "graceful_close"
)

// ParseStopMode validates a stop mode string from a control-plane request,
// defaulting to graceful when empty.
func ParseStopMode(raw string) (StopMode, error) {
	if raw == "" {
		return StopModeGraceful, nil
	}
	switch m := StopMode(raw); m {
	case StopModeImmediate, StopModeGraceful, StopModeGracefulClose:
		return m, nil
	default:
		return "", fmt.Errorf("invalid stop mode: %s", raw)
	}
}
