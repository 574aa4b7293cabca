package contracts

import (
	"math"
	"strconv"
	"time"
)

// PriorityUnset marks a Message whose priority property is not set.
const PriorityUnset uint8 = math.MaxUint8

// Delivery modes
const (
	Transient  uint8 = 1
	Persistent uint8 = 2
)

// Table carries header and argument values.
type Table map[string]interface{}

// Properties holds the optional broker metadata of a message.
// Empty strings, a zero Expiration, a zero Timestamp and PriorityUnset mean "not set".
type Properties struct {
	ContentType     string
	ContentEncoding string
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      time.Duration
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
	ClusterID       string
	Headers         Table
}

// Message is an outbound payload plus its broker metadata and delivery flags.
type Message struct {
	Properties

	Body []byte

	// Mandatory asks the broker to return the message when it cannot be routed.
	Mandatory bool
	// Immediate asks the broker to return the message when no consumer can take it.
	Immediate bool
}

// MessageOption configures a Message built by NewMessage
type MessageOption func(*Message)

// NewMessage creates a message with the documented defaults: priority unset,
// mandatory on, immediate off.
func NewMessage(body []byte, options ...MessageOption) *Message {
	m := &Message{
		Properties: Properties{Priority: PriorityUnset},
		Body:       body,
		Mandatory:  true,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// NewTextMessage creates a "text/plain" message.
func NewTextMessage(body string, options ...MessageOption) *Message {
	return NewMessage([]byte(body), append([]MessageOption{WithContentType("text/plain")}, options...)...)
}

// WithContentType sets the content type
func WithContentType(contentType string) MessageOption {
	return func(m *Message) { m.ContentType = contentType }
}

// WithContentEncoding sets the content encoding
func WithContentEncoding(encoding string) MessageOption {
	return func(m *Message) { m.ContentEncoding = encoding }
}

// WithDeliveryMode sets the delivery mode (Transient or Persistent)
func WithDeliveryMode(mode uint8) MessageOption {
	return func(m *Message) { m.DeliveryMode = mode }
}

// WithPriority sets the priority. The wire format has no way to tell an
// explicit 0 from an absent priority, so a received 0 reads back as
// PriorityUnset.
func WithPriority(priority uint8) MessageOption {
	return func(m *Message) { m.Priority = priority }
}

// WithCorrelationID sets the correlation id
func WithCorrelationID(id string) MessageOption {
	return func(m *Message) { m.CorrelationID = id }
}

// WithReplyTo sets the reply-to address
func WithReplyTo(replyTo string) MessageOption {
	return func(m *Message) { m.ReplyTo = replyTo }
}

// WithExpiration sets the per-message TTL
func WithExpiration(ttl time.Duration) MessageOption {
	return func(m *Message) { m.Expiration = ttl }
}

// WithMessageID sets the message id
func WithMessageID(id string) MessageOption {
	return func(m *Message) { m.MessageID = id }
}

// WithTimestamp sets the timestamp
func WithTimestamp(ts time.Time) MessageOption {
	return func(m *Message) { m.Timestamp = ts }
}

// WithType sets the message type name
func WithType(messageType string) MessageOption {
	return func(m *Message) { m.Type = messageType }
}

// WithUserID sets the user id
func WithUserID(userID string) MessageOption {
	return func(m *Message) { m.UserID = userID }
}

// WithAppID sets the application id
func WithAppID(appID string) MessageOption {
	return func(m *Message) { m.AppID = appID }
}

// WithClusterID sets the cluster id
func WithClusterID(clusterID string) MessageOption {
	return func(m *Message) { m.ClusterID = clusterID }
}

// WithHeader sets a single header value
func WithHeader(key string, value interface{}) MessageOption {
	return func(m *Message) {
		if m.Headers == nil {
			m.Headers = make(Table)
		}
		m.Headers[key] = value
	}
}

// WithMandatory sets the mandatory flag
func WithMandatory(mandatory bool) MessageOption {
	return func(m *Message) { m.Mandatory = mandatory }
}

// WithImmediate sets the immediate flag
func WithImmediate(immediate bool) MessageOption {
	return func(m *Message) { m.Immediate = immediate }
}

// HasPriority reports whether the priority property is set. It is false for
// a received message published with priority 0.
func (p Properties) HasPriority() bool {
	return p.Priority != PriorityUnset
}

// ExpirationString renders Expiration the way it travels on the wire:
// whole milliseconds as a decimal string, or "" when unset.
func (p Properties) ExpirationString() string {
	if p.Expiration <= 0 {
		return ""
	}
	return strconv.FormatInt(p.Expiration.Milliseconds(), 10)
}

// ParseExpiration is the inverse of ExpirationString. Empty or malformed
// values decode to zero (unset).
func ParseExpiration(s string) time.Duration {
	if s == "" {
		return 0
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Clone returns a copy of the message that shares no mutable state with m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	if m.Headers != nil {
		c.Headers = make(Table, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}
