package contracts

import "fmt"

// FrameKind identifies what a Session surfaced from the wire.
type FrameKind uint8

const (
	// FrameDelivery carries an Envelope for a registered consumer.
	FrameDelivery FrameKind = iota + 1
	// FrameReturn carries a message the broker returned as unroutable.
	FrameReturn
	// FrameConfirm carries a publisher ack or nack.
	FrameConfirm
	// FrameChannelClose reports that the broker closed one channel.
	FrameChannelClose
	// FrameConnectionClose reports that the connection is gone.
	FrameConnectionClose
)

func (k FrameKind) String() string {
	switch k {
	case FrameDelivery:
		return "basic.deliver"
	case FrameReturn:
		return "basic.return"
	case FrameConfirm:
		return "basic.ack"
	case FrameChannelClose:
		return "channel.close"
	case FrameConnectionClose:
		return "connection.close"
	default:
		return fmt.Sprintf("frame(%d)", uint8(k))
	}
}

// Frame is one inbound event read from a Session. Exactly one of the payload
// fields is set, according to Kind.
type Frame struct {
	Kind    FrameKind
	Channel uint16

	Envelope *Envelope
	Return   *Return
	Confirm  *Confirmation

	// Err is the close reason for FrameChannelClose and FrameConnectionClose.
	Err error
}
