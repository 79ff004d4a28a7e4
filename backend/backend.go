package backend

import (
	"context"
	"sync"

	"github.com/emersion/go-smtp"
	"github.com/roadrunner-plugins/emqtt/handler"
	"go.uber.org/zap"
)

// MessageHandler consumes completed mail transactions
type MessageHandler interface {
	OnMessage(ctx context.Context, ev *handler.MailEvent) handler.DeliveryStatus
}

// Backend implements smtp.Backend interface from github.com/emersion/go-smtp
// It's responsible for creating new SMTP sessions for each connection
type Backend struct {
	// Configuration
	maxMessageSize int64
	maxRecipients  int

	// Context handed to the message handler; not canceled on shutdown so
	// in-flight publishes can finish
	ctx context.Context

	handler MessageHandler

	// Connection tracking for graceful shutdown
	connections *sync.Map // uuid -> *Session

	// Reusable DATA buffers
	bufferPool *sync.Pool

	// Logger
	log *zap.Logger
}

// NewBackend creates a new SMTP backend
func NewBackend(
	ctx context.Context,
	maxMessageSize int64,
	maxRecipients int,
	h MessageHandler,
	connections *sync.Map,
	bufferPool *sync.Pool,
	log *zap.Logger,
) *Backend {
	return &Backend{
		ctx:            ctx,
		maxMessageSize: maxMessageSize,
		maxRecipients:  maxRecipients,
		handler:        h,
		connections:    connections,
		bufferPool:     bufferPool,
		log:            log,
	}
}

// NewSession creates a new SMTP session for an incoming connection
// Called by go-smtp library for each new connection
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remoteAddr := ""
	if c != nil && c.Conn() != nil {
		remoteAddr = c.Conn().RemoteAddr().String()
	}

	return NewSession(
		b.ctx,
		remoteAddr,
		b.maxMessageSize,
		b.maxRecipients,
		b.handler,
		b.connections,
		b.bufferPool,
		b.log,
	), nil
}
