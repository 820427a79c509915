package email

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// NoopSender logs emails instead of delivering them. The first link in the
// body is logged so accounts can be confirmed in development without SMTP.
type NoopSender struct {
	logger *zap.Logger
}

// NewNoopSender creates a NoopSender backed by the given logger.
func NewNoopSender(logger *zap.Logger) *NoopSender {
	return &NoopSender{logger: logger}
}

// Send logs the email and returns nil.
func (n *NoopSender) Send(_ context.Context, to, subject, body string) error {
	n.logger.Info("email not sent (noop sender)",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("link", firstLink(body)),
	)
	return nil
}

func firstLink(body string) string {
	for _, f := range strings.Fields(body) {
		if strings.HasPrefix(f, "https://") || strings.HasPrefix(f, "http://") {
			return f
		}
	}
	return ""
}
