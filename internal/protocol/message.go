// Package protocol defines the message envelope and wire body encodings
// used by requesters, brokers, and suppliers during a negotiation.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Performative identifies the intent of a message, FIPA-style.
type Performative string

const (
	PerformativeOrderRequest   Performative = "order-request"
	PerformativePriceInquiry   Performative = "price-inquiry"
	PerformativeQuotePropose   Performative = "quote-propose"
	PerformativeQuoteRefuse    Performative = "quote-refuse"
	PerformativeAccept         Performative = "accept"
	PerformativeReject         Performative = "reject"
	PerformativeConfirm        Performative = "confirm"
	PerformativeNotUnderstood  Performative = "not-understood"
	PerformativeBrokerProposal Performative = "broker-proposal"
)

// Message is the envelope exchanged between participants. Bodies are plain
// strings encoded per the codec functions in this package.
type Message struct {
	ID             uuid.UUID    `json:"id"`
	Performative   Performative `json:"performative"`
	From           string       `json:"from"`
	To             string       `json:"to"`
	ConversationID string       `json:"conversation_id"`
	InReplyTo      string       `json:"in_reply_to,omitempty"`
	Content        string       `json:"content"`
	Timestamp      time.Time    `json:"timestamp"`
}

// NewMessage creates a message with a fresh ID and timestamp.
func NewMessage(performative Performative, from, to, conversationID, content string) *Message {
	return &Message{
		ID:             uuid.New(),
		Performative:   performative,
		From:           from,
		To:             to,
		ConversationID: conversationID,
		Content:        content,
		Timestamp:      time.Now(),
	}
}

// Reply builds a response to m, swapping sender and receiver and keeping the
// conversation and correlation tokens.
func (m *Message) Reply(performative Performative, content string) *Message {
	return &Message{
		ID:             uuid.New(),
		Performative:   performative,
		From:           m.To,
		To:             m.From,
		ConversationID: m.ConversationID,
		InReplyTo:      m.InReplyTo,
		Content:        content,
		Timestamp:      time.Now(),
	}
}

// NewConversationID returns a fresh conversation token with the given role
// prefix, e.g. "order-" or "inquiry-".
func NewConversationID(prefix string) string {
	return prefix + uuid.New().String()
}
