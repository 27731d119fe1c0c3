package bridge

import "fmt"

// StatusText is the user-facing line for a lifecycle state. Idle has none.
func StatusText(app string, s State) string {
	switch s.Phase {
	case PhaseStarting:
		return fmt.Sprintf("Starting %s shell…", app)
	case PhaseRunning:
		return fmt.Sprintf("%s shell running", app)
	case PhaseFailed:
		return fmt.Sprintf("Failed to start %s: %s", app, s.Reason)
	case PhaseExited:
		if s.Code == 0 {
			return fmt.Sprintf("%s exited. Closing app…", app)
		}
		return fmt.Sprintf("%s exited unexpectedly (code %d). Click restart to relaunch.", app, s.Code)
	default:
		return ""
	}
}
