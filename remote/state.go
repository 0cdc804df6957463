package remote

// State is the lifecycle state of a Connector.
type State int

const (
	Disconnected State = iota
	VpnConnecting
	VpnConnected
	SessionEstablishing
	SessionReady
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case VpnConnecting:
		return "vpn-connecting"
	case VpnConnected:
		return "vpn-connected"
	case SessionEstablishing:
		return "session-establishing"
	case SessionReady:
		return "session-ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
