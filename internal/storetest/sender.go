package storetest

import (
	"context"
	"sync"
)

// Sent records one delivered verification code.
type Sent struct {
	To          string
	DisplayName string
	Code        string
}

// FakeSender implements mail.Sender and records deliveries. Set Err to make
// every delivery fail.
type FakeSender struct {
	mu   sync.Mutex
	sent []Sent

	Err error
}

func (f *FakeSender) SendOTP(_ context.Context, to, displayName, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.sent = append(f.sent, Sent{To: to, DisplayName: displayName, Code: code})
	return nil
}

func (f *FakeSender) Deliveries() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent{}, f.sent...)
}

// LastCode returns the most recently delivered code for an address.
func (f *FakeSender) LastCode(to string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].To == to {
			return f.sent[i].Code
		}
	}
	return ""
}
