// Package parser turns raw RFC 5322 messages into models.ParsedMessage.
package parser

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/freightdesk/mailingest/consts"
	"github.com/freightdesk/mailingest/helpers"
	"github.com/freightdesk/mailingest/logger"
	"github.com/freightdesk/mailingest/models"
	"github.com/google/uuid"
	"lukechampine.com/blake3"
)

const syntheticDomain = "mailingest.local"

// IdentityMode selects how an identity is made up for messages without a
// Message-ID header.
type IdentityMode string

const (
	// IdentityRandom makes every synthesized id unique, so such messages are
	// stored again on every run.
	IdentityRandom IdentityMode = "random"
	// IdentityContentHash derives the id from the message content, so a
	// message without Message-ID is stored once.
	IdentityContentHash IdentityMode = "content_hash"
)

// Parser is stateless apart from its settings and safe for concurrent use.
type Parser struct {
	identity IdentityMode
	now      func() time.Time
}

// New returns a parser. Unknown modes fall back to IdentityRandom.
func New(mode IdentityMode) *Parser {
	if mode != IdentityContentHash {
		mode = IdentityRandom
	}
	return &Parser{identity: mode, now: time.Now}
}

// Parse decodes raw. Errors wrap consts.ErrParse; a message whose header
// cannot be read is unusable, while a broken part after a readable header
// only truncates what was collected so far.
func (p *Parser) Parse(accountID int, raw models.RawMessage) (*models.ParsedMessage, error) {
	if len(bytes.TrimSpace(raw.Body)) == 0 {
		return nil, fmt.Errorf("%w: message %d is empty", consts.ErrParse, raw.SeqNum)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw.Body))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: message %d: %v", consts.ErrParse, raw.SeqNum, err)
	}
	if mr == nil {
		return nil, fmt.Errorf("%w: message %d: no reader", consts.ErrParse, raw.SeqNum)
	}
	defer mr.Close()

	msg := &models.ParsedMessage{SeqNum: raw.SeqNum}
	readHeader(&mr.Header, msg)

	var text, html strings.Builder
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			logger.Debug("Parser: stopping at unreadable part", "seq", raw.SeqNum, "error", err)
			break
		}
		if part == nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, params, _ := h.ContentType()
			switch {
			case mediaType == "" || mediaType == "text/plain":
				appendPart(&text, part.Body)
			case mediaType == "text/html":
				appendPart(&html, part.Body)
			case params["name"] != "":
				// inline non-text parts with a name (embedded images) are kept
				if att, ok := readAttachment(params["name"], mediaType, h.Header, part.Body); ok {
					msg.Attachments = append(msg.Attachments, att)
				}
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			mediaType, _, _ := h.ContentType()
			if att, ok := readAttachment(filename, mediaType, h.Header, part.Body); ok {
				msg.Attachments = append(msg.Attachments, att)
			}
		}
	}

	msg.BodyHTML = helpers.SanitizeUTF8(html.String())
	msg.BodyText = helpers.SanitizeUTF8(helpers.PlainTextBody(text.String(), msg.BodyHTML))

	if msg.MessageID == "" {
		msg.MessageID = p.synthesize(accountID, msg)
		msg.Synthesized = true
	}
	if msg.Date.IsZero() {
		msg.Date = p.now().UTC()
	}
	return msg, nil
}

func readHeader(h *mail.Header, msg *models.ParsedMessage) {
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}
	msg.Subject = helpers.SanitizeUTF8(strings.TrimSpace(msg.Subject))
	msg.From = helpers.SanitizeUTF8(addressHeader(h, "From"))
	msg.To = helpers.SanitizeUTF8(addressHeader(h, "To"))

	if date, err := h.Date(); err == nil {
		msg.Date = date.UTC()
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		msg.MessageID = helpers.SanitizeUTF8(id)
	} else if rawID := helpers.NormalizeMessageID(h.Get("Message-Id")); rawID != "" {
		msg.MessageID = helpers.SanitizeUTF8(rawID)
	}
}

// addressHeader renders an address list header as "Name <addr>, ...". An
// unparseable header is returned verbatim.
func addressHeader(h *mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return strings.TrimSpace(h.Get(key))
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		if addr.Name != "" {
			out = append(out, fmt.Sprintf("%s <%s>", addr.Name, addr.Address))
		} else {
			out = append(out, addr.Address)
		}
	}
	return strings.Join(out, ", ")
}

func appendPart(b *strings.Builder, r io.Reader) {
	body, err := io.ReadAll(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.Write(body)
}

func readAttachment(filename, mediaType string, header message.Header, r io.Reader) (models.RawAttachment, bool) {
	content, err := io.ReadAll(r)
	if err != nil {
		logger.Debug("Parser: skipping unreadable attachment", "filename", filename, "error", err)
		return models.RawAttachment{}, false
	}
	if strings.TrimSpace(filename) == "" {
		filename = "attachment"
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	att := models.RawAttachment{
		Filename:     helpers.SanitizeUTF8(filename),
		ContentType:  mediaType,
		Content:      content,
		DeclaredSize: int64(len(content)),
	}
	if _, params, err := header.ContentDisposition(); err == nil {
		if size, err := strconv.ParseInt(params["size"], 10, 64); err == nil && size > 0 {
			att.DeclaredSize = size
		}
	}
	return att, true
}

func (p *Parser) synthesize(accountID int, msg *models.ParsedMessage) string {
	if p.identity == IdentityContentHash {
		return ContentHashID(accountID, msg)
	}
	return fmt.Sprintf("acct%d-seq%d-%d-%s@%s", accountID, msg.SeqNum, p.now().UnixNano(), uuid.NewString(), syntheticDomain)
}

// ContentHashID derives a stable identity from the visible content of msg.
// A missing Date hashes as the zero time.
func ContentHashID(accountID int, msg *models.ParsedMessage) string {
	h := blake3.New(32, nil)
	for _, field := range []string{msg.From, msg.To, msg.Subject, msg.Date.UTC().Format(time.RFC3339), msg.BodyText} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("acct%d-%s@%s", accountID, hex.EncodeToString(h.Sum(nil)[:16]), syntheticDomain)
}

// IsSynthetic reports whether id was made up by this package.
func IsSynthetic(id string) bool {
	return strings.HasSuffix(id, "@"+syntheticDomain)
}
