package headerreq

import "fmt"

// Mode is the header request strategy used for a peer.
type Mode uint8

const (
	// ModeInitial is the mode of a peer no request was made to yet.
	ModeInitial Mode = iota

	// ModeNormal requests headers following the local best block. The peer
	// is on the main chain.
	ModeNormal

	// ModeBackward steps back from the current base to find the point
	// where the peer's chain forks from the local one.
	ModeBackward

	// ModeForward moves forward from the fork point to catch up with the
	// peer's chain.
	ModeForward
)

// String returns the Mode in human-readable form.
func (m Mode) String() string {
	switch m {
	case ModeInitial:
		return "initial"
	case ModeNormal:
		return "normal"
	case ModeBackward:
		return "backward"
	case ModeForward:
		return "forward"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}
