package app

// StopReason is logged on shutdown so operators can tell a signal from a
// fatal component error.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
	StopRunOnce    StopReason = "run_once"
)
