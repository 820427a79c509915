// Package email delivers the account mail sent by the identity layer: today
// only the address confirmation built by VerificationBody.
package email

import "context"

// Sender delivers a plain-text email.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}
