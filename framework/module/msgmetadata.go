package module

import (
	"github.com/emersion/go-smtp"
)

// MsgMetadata structure contains information about the message that
// is not part of the message header or body.
type MsgMetadata struct {
	// Unique identifier for this delivery attempt. Randomly generated and
	// used to correlate log messages produced by different modules while
	// handling one message.
	ID string

	// Queue entry identifier of the message being transmitted, if the
	// message was read back from the send queue. Empty for auxiliary
	// messages such as administrative copies.
	MsgID string

	// Options to use for the MAIL command.
	SMTPOpts smtp.MailOptions
}
