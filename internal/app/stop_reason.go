package app

// StopReason is logged on shutdown and sent to clients in the disconnect
// notice.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

func (r StopReason) clientMessage() string {
	switch r {
	case StopFatalError:
		return "server error"
	case StopUnknown, "":
		return "server shutting down"
	default:
		return "server shutting down (" + string(r) + ")"
	}
}
