package parser

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/freightdesk/mailingest/consts"
	"github.com/freightdesk/mailingest/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(seq uint32, lines ...string) models.RawMessage {
	return models.RawMessage{SeqNum: seq, Body: []byte(strings.Join(lines, "\r\n"))}
}

func TestParse_PlainMessage(t *testing.T) {
	p := New(IdentityRandom)
	msg, err := p.Parse(1, raw(7,
		"From: Dock Office <dock@example.com>",
		"To: ops@example.com, billing@example.com",
		"Subject: Container MSKU1234567 released",
		"Date: Tue, 04 Mar 2025 09:15:00 +0100",
		"Message-ID: <release-42@example.com>",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Pick up at gate 4.",
	))
	require.NoError(t, err)

	assert.Equal(t, uint32(7), msg.SeqNum)
	assert.Equal(t, "release-42@example.com", msg.MessageID)
	assert.False(t, msg.Synthesized)
	assert.Equal(t, "Container MSKU1234567 released", msg.Subject)
	assert.Equal(t, "Dock Office <dock@example.com>", msg.From)
	assert.Equal(t, "ops@example.com, billing@example.com", msg.To)
	assert.Equal(t, time.Date(2025, 3, 4, 8, 15, 0, 0, time.UTC), msg.Date)
	assert.Equal(t, "Pick up at gate 4.", strings.TrimSpace(msg.BodyText))
	assert.Empty(t, msg.Attachments)
}

func TestParse_MultipartWithAttachment(t *testing.T) {
	pdf := []byte("%PDF-1.4 fake invoice")
	encoded := base64.StdEncoding.EncodeToString(pdf)

	msg, err := New(IdentityRandom).Parse(2, raw(1,
		"From: carrier@example.com",
		"To: billing@example.com",
		"Subject: Invoice",
		"Message-ID: <inv-1@example.com>",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="outer"`,
		"",
		"--outer",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>Please find the <b>invoice</b> attached.</p>",
		"--outer",
		`Content-Type: application/pdf; name="invoice.pdf"`,
		`Content-Disposition: attachment; filename="invoice.pdf"`,
		"Content-Transfer-Encoding: base64",
		"",
		encoded,
		"--outer--",
		"",
	))
	require.NoError(t, err)

	assert.Contains(t, msg.BodyHTML, "<b>invoice</b>")
	assert.Contains(t, msg.BodyText, "invoice", "text body falls back to the rendered html")
	assert.NotContains(t, msg.BodyText, "<b>")

	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "invoice.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.Equal(t, pdf, att.Content)
	assert.Equal(t, int64(len(pdf)), att.DeclaredSize)
}

func TestParse_MissingMessageIDRandom(t *testing.T) {
	p := New(IdentityRandom)
	lines := []string{"From: a@example.com", "Subject: no id", "", "hello"}

	first, err := p.Parse(3, raw(12, lines...))
	require.NoError(t, err)
	second, err := p.Parse(3, raw(12, lines...))
	require.NoError(t, err)

	assert.True(t, first.Synthesized)
	assert.True(t, strings.HasPrefix(first.MessageID, "acct3-seq12-"))
	assert.True(t, IsSynthetic(first.MessageID))
	assert.NotEqual(t, first.MessageID, second.MessageID)
	assert.False(t, first.Date.IsZero(), "missing date defaults to now")
}

func TestParse_MissingMessageIDContentHash(t *testing.T) {
	p := New(IdentityContentHash)
	lines := []string{"From: a@example.com", "Subject: no id", "", "hello"}

	first, err := p.Parse(3, raw(12, lines...))
	require.NoError(t, err)
	second, err := p.Parse(3, raw(99, lines...))
	require.NoError(t, err)
	other, err := p.Parse(4, raw(12, lines...))
	require.NoError(t, err)

	assert.True(t, first.Synthesized)
	assert.Equal(t, first.MessageID, second.MessageID, "same content gives the same id")
	assert.NotEqual(t, first.MessageID, other.MessageID, "ids are scoped by account")
	assert.True(t, IsSynthetic(first.MessageID))
}

func TestParse_Failures(t *testing.T) {
	p := New(IdentityRandom)

	_, err := p.Parse(1, models.RawMessage{SeqNum: 1, Body: []byte("  \r\n")})
	assert.ErrorIs(t, err, consts.ErrParse)

	_, err = p.Parse(1, raw(2, "this line has no colon", "", "body"))
	assert.ErrorIs(t, err, consts.ErrParse)
}

func TestParse_StripsInvalidUTF8(t *testing.T) {
	msg, err := New(IdentityRandom).Parse(1, models.RawMessage{SeqNum: 1, Body: []byte(
		"Subject: ok\r\nMessage-ID: <x@example.com>\r\n\r\nbad \xff byte\x00 here\r\n",
	)})
	require.NoError(t, err)
	assert.Equal(t, "bad  byte here", strings.TrimSpace(msg.BodyText))
}

func TestNew_UnknownModeFallsBackToRandom(t *testing.T) {
	assert.Equal(t, IdentityRandom, New("whatever").identity)
}
