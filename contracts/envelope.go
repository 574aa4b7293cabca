package contracts

// Envelope is an inbound delivery: the message plus its routing metadata.
type Envelope struct {
	Message *Message

	// Channel is the id of the channel the delivery arrived on.
	Channel     uint16
	ConsumerTag string
	// DeliveryTag is only meaningful on the channel that received it.
	DeliveryTag uint64
	Exchange    string
	RoutingKey  string
	Redelivered bool
}

// Body returns the payload of the wrapped message.
func (e *Envelope) Body() []byte {
	if e == nil || e.Message == nil {
		return nil
	}
	return e.Message.Body
}

// Return is a published message the broker could not route (basic.return).
type Return struct {
	Message *Message

	Channel    uint16
	ReplyCode  int
	ReplyText  string
	Exchange   string
	RoutingKey string
}

// Confirmation is a publisher confirm for a message published in confirm mode.
type Confirmation struct {
	Channel     uint16
	DeliveryTag uint64
	Ack         bool
}
