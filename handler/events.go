package handler

import (
	"strconv"
	"time"
)

// Reply sent to the SMTP client once a message has been handled
const (
	StatusAccepted        = 250
	StatusAcceptedMessage = "Message accepted for delivery"
)

// MailEvent is one completed mail transaction. It lives only while the
// message is being handled.
type MailEvent struct {
	// Session identifier, for log correlation
	UUID string

	// Client remote address
	RemoteAddr string

	// Timestamp when the DATA command completed
	ReceivedAt time.Time

	// MAIL FROM address
	From string

	// RCPT TO addresses
	To []string

	// Raw RFC 5322 message, used for the debug preview only
	Raw []byte

	// Attachments extracted from the MIME structure
	Attachments []Attachment

	// ParseErr is set when the MIME structure could not be read. Attachments
	// is empty in that case.
	ParseErr error
}

// Attachment is a single decoded attachment
type Attachment struct {
	// Declared filename
	Filename string

	// MIME content type, without parameters
	ContentType string

	// Decoded content
	Content []byte
}

// DeliveryStatus is the SMTP reply returned for a message
type DeliveryStatus struct {
	Code    int
	Message string
}

func (d DeliveryStatus) String() string {
	return strconv.Itoa(d.Code) + " " + d.Message
}
