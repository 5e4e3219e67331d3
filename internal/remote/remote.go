// Package remote pulls raw messages from IMAP or POP3 mailboxes and
// feeds them through the same parse -> dedup -> deliver pipeline as
// files dropped into the watched directory.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracyhatemice/mailingest/internal/config"
)

// RawMessage is one message pulled from a remote mailbox.
type RawMessage struct {
	ID      string    // server-side identifier (Message-ID or UID)
	Date    time.Time // date the message was sent/received
	Content []byte    // raw RFC 5322 message bytes
}

// Receiver fetches messages from a remote mail server.
type Receiver interface {
	// Fetch returns messages from approximately the last processDays
	// days. Deduplication happens downstream by fingerprint, so
	// already-seen messages may be returned again.
	Fetch(ctx context.Context, processDays int) ([]RawMessage, error)

	// Close releases any resources held by the receiver.
	Close() error
}

// NewReceiver builds the receiver variant for an account's protocol.
func NewReceiver(acct config.Account, logger *slog.Logger) (Receiver, error) {
	switch acct.Protocol {
	case "pop3":
		return NewPOP3(
			acct.Host, acct.Port,
			acct.Username, acct.Password,
			acct.UseTLS, logger,
		), nil
	case "imap":
		return NewIMAP(
			acct.Host, acct.Port,
			acct.Username, acct.Password,
			acct.UseTLS, acct.GetIMAPFolder(), logger,
		), nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", acct.Protocol)
	}
}
