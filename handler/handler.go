// Package handler turns completed mail transactions into topic activity: it
// arms the topic's reset window and saves image attachments when allowed.
package handler

import (
	"context"
	"strings"
	"time"

	"github.com/roadrunner-plugins/emqtt/mqtt"
	"go.uber.org/zap"
)

// previewLen is how many characters of the raw message are logged at debug level
const previewLen = 250

// Scheduler drives the per-topic reset windows. Arm reports whether the topic
// was already active when it was called.
type Scheduler interface {
	Arm(ctx context.Context, topic, active, reset string, delay time.Duration) (bool, error)
}

// Store persists attachment content
type Store interface {
	Save(name string, content []byte) error
}

// Options are the handler's settings, copied out of the process configuration
type Options struct {
	BaseTopic     string
	ActivePayload string
	ResetPayload  string
	// ResetDelay of 0 disables resets
	ResetDelay time.Duration

	SaveAttachments bool
	// SaveDuringResetWindow also saves attachments of messages that arrive
	// while the topic is already active
	SaveDuringResetWindow bool
}

// Handler handles completed mail transactions
type Handler struct {
	opts      Options
	scheduler Scheduler
	store     Store
	log       *zap.Logger
}

// NewHandler creates a Handler
func NewHandler(opts Options, scheduler Scheduler, store Store, log *zap.Logger) *Handler {
	if opts.SaveAttachments {
		log.Info("configured to save attachments",
			zap.Bool("during_reset_time", opts.SaveDuringResetWindow),
		)
	}

	return &Handler{
		opts:      opts,
		scheduler: scheduler,
		store:     store,
		log:       log,
	}
}

// OnMessage publishes the active payload for the sender's topic, restarts its
// reset window and saves image attachments if allowed. The message is always
// accepted, whatever happened downstream.
func (h *Handler) OnMessage(ctx context.Context, ev *MailEvent) DeliveryStatus {
	h.log.Debug("message received",
		zap.String("uuid", ev.UUID),
		zap.String("from", ev.From),
		zap.Strings("to", ev.To),
	)
	h.log.Debug("message data (truncated)", zap.String("data", preview(ev.Raw)))

	if ev.ParseErr != nil {
		h.log.Warn("malformed message, ignoring attachments",
			zap.String("uuid", ev.UUID),
			zap.Error(ev.ParseErr),
		)
	}

	topic := mqtt.Topic(h.opts.BaseTopic, ev.From)

	// Arm logs publish failures itself
	alreadyTriggered, _ := h.scheduler.Arm(ctx, topic, h.opts.ActivePayload, h.opts.ResetPayload, h.opts.ResetDelay)

	if h.shouldSave(alreadyTriggered) {
		h.log.Debug("saving attachments",
			zap.String("topic", topic),
			zap.Bool("already_triggered", alreadyTriggered),
			zap.Bool("save_override", h.opts.SaveDuringResetWindow),
		)
		h.saveImages(ev)
	} else {
		h.log.Debug("not saving attachments",
			zap.String("topic", topic),
			zap.Bool("already_triggered", alreadyTriggered),
		)
	}

	return DeliveryStatus{
		Code:    StatusAccepted,
		Message: StatusAcceptedMessage,
	}
}

// shouldSave only lets the first message of a burst through unless overridden
func (h *Handler) shouldSave(alreadyTriggered bool) bool {
	return h.opts.SaveAttachments && (!alreadyTriggered || h.opts.SaveDuringResetWindow)
}

func (h *Handler) saveImages(ev *MailEvent) {
	for _, att := range ev.Attachments {
		if !strings.HasPrefix(att.ContentType, "image/") {
			continue
		}

		err := h.store.Save(att.Filename, att.Content)
		if err != nil {
			h.log.Error("failed saving attachment",
				zap.String("uuid", ev.UUID),
				zap.String("filename", att.Filename),
				zap.Error(err),
			)
		}
	}
}

func preview(raw []byte) string {
	s := strings.ToValidUTF8(string(raw), "�")
	r := []rune(s)
	if len(r) > previewLen {
		return string(r[:previewLen])
	}
	return s
}
