package parser

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multipartMessage = "From: \"Taro Yamada\" <Taro@Example.COM>\r\n" +
	"To: support@acme.test, Other <other@acme.test>\r\n" +
	"Cc: cc@acme.test\r\n" +
	"Delivered-To: inbox@acme.test\r\n" +
	"Subject: =?UTF-8?B?UmU6IOazqOaWhw==?=\r\n" +
	"Message-ID: <m2@example.com>\r\n" +
	"In-Reply-To: <m1@example.com>\r\n" +
	"References: <m0@example.com>\r\n <m1@example.com>\r\n" +
	"Date: Mon, 03 Mar 2025 10:00:00 +0900\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=BOUNDARY\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hello there\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/csv\r\n" +
	"Content-Disposition: attachment; filename=\"orders.csv\"\r\n" +
	"\r\n" +
	"id,qty\r\n1,2\r\n" +
	"--BOUNDARY--\r\n"

func TestParseMultipart(t *testing.T) {
	msg, err := Parse([]byte(multipartMessage), Options{})
	require.NoError(t, err)

	h := msg.Headers
	assert.Equal(t, "m2@example.com", h.MessageID())
	assert.Equal(t, "m1@example.com", h.InReplyTo())
	assert.Equal(t, []string{"m0@example.com", "m1@example.com"}, h.References())
	assert.Equal(t, "Re: 注文", h.Subject())
	assert.Equal(t, "taro@example.com", h.From())
	assert.Equal(t, "Taro Yamada", h.FromName())
	assert.Equal(t, []string{"support@acme.test", "other@acme.test"}, h.To())
	assert.Equal(t, []string{"cc@acme.test"}, h.Cc())
	assert.Equal(t, []string{"inbox@acme.test"}, h.DeliveredTo())
	assert.True(t, h.Date().Equal(time.Date(2025, 3, 3, 1, 0, 0, 0, time.UTC)))

	assert.Equal(t, "Hello there", msg.Text)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "orders.csv", msg.Attachments[0].Filename)
	assert.Equal(t, "text/csv", msg.Attachments[0].ContentType)
	assert.Contains(t, string(msg.Attachments[0].Data), "1,2")
}

func TestParseHTMLOnly(t *testing.T) {
	raw := "From: a@b.test\r\nSubject: hi\r\nContent-Type: text/html; charset=utf-8\r\n\r\n" +
		"<html><head><style>p{}</style></head><body><p>First</p><p>Second&nbsp;line</p></body></html>"

	msg, err := Parse([]byte(raw), Options{})
	require.NoError(t, err)
	assert.Equal(t, "First\nSecond line", msg.Text)
	assert.Empty(t, msg.Headers.MessageID())
}

func TestParseOversizeAttachment(t *testing.T) {
	msg, err := Parse([]byte(multipartMessage), Options{MaxAttachmentBytes: 4})
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	assert.True(t, msg.Attachments[0].Oversize)
	assert.Nil(t, msg.Attachments[0].Data)
}

func TestParseMalformed(t *testing.T) {
	for _, raw := range []string{"", "   \r\n", "this is not a header line\r\n\r\nbody"} {
		_, err := ParseHeaders([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, "input %q", raw)
	}
}

func TestHeadersCandidates(t *testing.T) {
	h := NewHeaders(HeaderFields{
		From:        "Boss@Acme.test",
		To:          []string{"x@y.test", "boss@acme.test"},
		Cc:          []string{"c@y.test"},
		DeliveredTo: []string{"x@y.test", "d@y.test"},
	})
	assert.Equal(t, []string{"boss@acme.test", "x@y.test", "c@y.test", "d@y.test"}, h.Candidates())
}

func TestHeadersAccessorsReturnCopies(t *testing.T) {
	h := NewHeaders(HeaderFields{References: []string{"<a@x>", "<b@x>"}})
	refs := h.References()
	refs[0] = "mutated"
	assert.Equal(t, []string{"a@x", "b@x"}, h.References())

	h2 := h.WithMessageID("<new@x>")
	assert.Equal(t, "new@x", h2.MessageID())
	assert.Empty(t, h.MessageID())
}

func TestSynthesizeMessageID(t *testing.T) {
	a := SynthesizeMessageID("pop.example.com", []byte("raw"))
	b := SynthesizeMessageID("pop.example.com", []byte("raw"))
	c := SynthesizeMessageID("pop.example.com", []byte("other"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasSuffix(a, "@pop.example.com"))
	assert.Len(t, strings.TrimSuffix(a, "@pop.example.com"), 64)
}

func TestParseMessageIDs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"<a@x>", []string{"a@x"}},
		{"<a@x> <b@x>\r\n\t<c@x>", []string{"a@x", "b@x", "c@x"}},
		{"bare@x", []string{"bare@x"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseMessageIDs(tt.in), tt.in)
	}
}

func TestHTMLParserTables(t *testing.T) {
	text, err := NewHTMLParser().Parse("<table><tr><td>a</td><td>b</td></tr><tr><td>c</td></tr></table>")
	require.NoError(t, err)
	assert.Equal(t, "a b\nc", text)
}
