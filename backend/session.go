package backend

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/roadrunner-plugins/emqtt/handler"
	"go.uber.org/zap"
)

// Session implements smtp.Session interface for handling a single SMTP connection
// Each connection gets its own session instance with isolated state
type Session struct {
	// Unique identifier for this connection
	uuid string

	ctx        context.Context
	remoteAddr string

	// Configuration limits
	maxMessageSize int64
	maxRecipients  int

	// SMTP transaction state
	from string   // MAIL FROM
	to   []string // RCPT TO addresses

	handler MessageHandler

	// Connection tracking
	connections *sync.Map

	bufferPool *sync.Pool

	// Logger
	log *zap.Logger
}

// NewSession creates a new SMTP session instance
func NewSession(
	ctx context.Context,
	remoteAddr string,
	maxMessageSize int64,
	maxRecipients int,
	h MessageHandler,
	connections *sync.Map,
	bufferPool *sync.Pool,
	log *zap.Logger,
) *Session {
	sid := uuid.NewString()

	s := &Session{
		uuid:           sid,
		ctx:            ctx,
		remoteAddr:     remoteAddr,
		maxMessageSize: maxMessageSize,
		maxRecipients:  maxRecipients,
		handler:        h,
		connections:    connections,
		bufferPool:     bufferPool,
		log:            log,
	}

	// Track this session for graceful shutdown
	connections.Store(sid, s)

	s.log.Debug("session opened", zap.String("uuid", sid), zap.String("remote_addr", remoteAddr))

	return s
}

// UUID returns the session identifier
func (s *Session) UUID() string {
	return s.uuid
}

// RemoteAddr returns the client address
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// Mail handles MAIL FROM command
func (s *Session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	s.log.Debug("MAIL FROM", zap.String("from", from), zap.String("uuid", s.uuid))
	return nil
}

// Rcpt handles RCPT TO command
func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if len(s.to) >= s.maxRecipients {
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 5, 3},
			Message:      "Too many recipients",
		}
	}

	s.to = append(s.to, to)
	s.log.Debug("RCPT TO", zap.String("to", to), zap.String("uuid", s.uuid))
	return nil
}

// Data handles DATA command - receives the message and hands it to the handler.
// The handler's status becomes the reply to the client.
func (s *Session) Data(r io.Reader) error {
	s.log.Debug("DATA command received", zap.String("uuid", s.uuid))

	// Read email body with size limit
	buf := s.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		s.bufferPool.Put(buf)
	}()

	// one extra byte tells an exact fit from an overflow
	limitedReader := io.LimitReader(r, s.maxMessageSize+1)
	n, err := buf.ReadFrom(limitedReader)
	if err != nil {
		s.log.Error("failed to read email body", zap.Error(err))
		// the server's own limits already carry a reply
		if smtpErr, ok := err.(*smtp.SMTPError); ok {
			return smtpErr
		}
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Failed to read message",
		}
	}

	if n > s.maxMessageSize {
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      "Message too large",
		}
	}

	// the buffer goes back to the pool, keep a private copy
	raw := bytes.Clone(buf.Bytes())

	attachments, parseErr := ParseAttachments(raw, s.log)

	ev := &handler.MailEvent{
		UUID:        s.uuid,
		RemoteAddr:  s.remoteAddr,
		ReceivedAt:  time.Now(),
		From:        s.from,
		To:          s.to,
		Raw:         raw,
		Attachments: attachments,
		ParseErr:    parseErr,
	}

	status := s.handler.OnMessage(s.ctx, ev)

	s.log.Info("email accepted",
		zap.String("uuid", s.uuid),
		zap.String("from", s.from),
		zap.Strings("to", s.to),
		zap.Int("attachments", len(attachments)),
	)

	return statusReply(status)
}

// Reset handles RSET command - resets transaction state
func (s *Session) Reset() {
	s.from = ""
	s.to = nil

	s.log.Debug("session reset", zap.String("uuid", s.uuid))
}

// Logout handles connection close
func (s *Session) Logout() error {
	s.connections.Delete(s.uuid)
	s.log.Debug("session logout", zap.String("uuid", s.uuid))
	return nil
}

// statusReply maps a delivery status onto the go-smtp reply. go-smtp writes the
// code and text of a returned *SMTPError verbatim, including 2xx codes.
func statusReply(status handler.DeliveryStatus) error {
	class := status.Code / 100
	return &smtp.SMTPError{
		Code:         status.Code,
		EnhancedCode: smtp.EnhancedCode{class, 0, 0},
		Message:      status.Message,
	}
}
