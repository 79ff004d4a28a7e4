package backend

import (
	"bytes"
	"fmt"
	"io"

	"github.com/emersion/go-message"
	// registers the non UTF-8 charsets go-message can decode
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/roadrunner-plugins/emqtt/handler"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// ParseAttachments extracts the attachments of a raw RFC 5322 message.
// Parts with an attachment disposition are always returned; inline parts only
// when they carry a filename and are not text bodies. On a malformed message it
// returns no attachments and the parse error.
func ParseAttachments(rawMessage []byte, log *zap.Logger) ([]handler.Attachment, error) {
	const op = errors.Op("parse_attachments")

	mr, err := mail.CreateReader(bytes.NewReader(rawMessage))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, errors.E(op, err)
	}
	if err != nil {
		log.Warn("unknown charset in message header", zap.Error(err))
	}
	defer mr.Close()

	var attachments []handler.Attachment

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, errors.E(op, err)
		}

		var (
			filename    string
			contentType string
		)

		switch h := part.Header.(type) {
		case *mail.AttachmentHeader:
			filename, _ = h.Filename()
			contentType, _, _ = h.ContentType()
			if filename == "" {
				filename = fmt.Sprintf("attachment_%d", len(attachments)+1)
			}

		case *mail.InlineHeader:
			var params map[string]string
			contentType, params, _ = h.ContentType()
			if contentType == "text/plain" || contentType == "text/html" {
				continue
			}

			_, dispositionParams, _ := h.ContentDisposition()
			filename = dispositionParams["filename"]
			if filename == "" {
				filename = params["name"]
			}
			if filename == "" {
				continue
			}

		default:
			continue
		}

		content, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, errors.E(op, errors.Errorf("failed to read attachment %s: %v", filename, err))
		}

		attachments = append(attachments, handler.Attachment{
			Filename:    filename,
			ContentType: contentType,
			Content:     content,
		})
	}

	log.Debug("attachments extracted", zap.Int("count", len(attachments)))

	return attachments, nil
}
