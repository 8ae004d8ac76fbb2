// Package sms delivers OTP codes to phone numbers.
package sms

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Sender delivers a text message to a phone number
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

// FormatOTPMessage builds the OTP message body
func FormatOTPMessage(product, code string) string {
	return fmt.Sprintf("Your %s OTP is: %s. Valid for 5 minutes.", product, code)
}

// LogSender writes messages to the process log instead of a gateway. Development only.
type LogSender struct {
	logger *log.Logger
}

var _ Sender = (*LogSender)(nil)

// NewLogSender creates a console sender; a nil logger uses the standard logger
func NewLogSender(logger *log.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Printf("SMS to %s: %s", to, body)
	} else {
		log.Printf("SMS to %s: %s", to, body)
	}
	return nil
}

// Outbox records messages in memory. Tests read codes back from it.
type Outbox struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

// Message is one delivered SMS
type Message struct {
	To   string
	Body string
}

var _ Sender = (*Outbox)(nil)

// FailWith makes subsequent sends return err (nil restores delivery)
func (o *Outbox) FailWith(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

func (o *Outbox) Send(_ context.Context, to, body string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, Message{To: to, Body: body})
	return nil
}

// Messages returns a copy of everything sent so far
func (o *Outbox) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.sent...)
}

// Last returns the most recent message sent to the number
func (o *Outbox) Last(to string) (Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.sent) - 1; i >= 0; i-- {
		if o.sent[i].To == to {
			return o.sent[i], true
		}
	}
	return Message{}, false
}
