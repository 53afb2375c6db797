package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

var (
	messageIDPattern = regexp.MustCompile(`<([^<>]+)>`)
	addressPattern   = regexp.MustCompile(`[^\s<>,;:"()\[\]]+@[^\s<>,;:"()\[\]]+`)
)

// Headers is the header snapshot of one message, extracted once at ingress.
// The zero value is an empty snapshot; accessors return copies.
type Headers struct {
	messageID   string
	inReplyTo   string
	references  []string // oldest first
	subject     string
	from        string
	fromName    string
	to          []string
	cc          []string
	deliveredTo []string
	date        time.Time
}

// HeaderFields is the mutable form used to build a Headers value
type HeaderFields struct {
	MessageID   string
	InReplyTo   string
	References  []string
	Subject     string
	From        string
	FromName    string
	To          []string
	Cc          []string
	DeliveredTo []string
	Date        time.Time
}

// NewHeaders builds a snapshot from explicit fields, normalizing ids and addresses
func NewHeaders(f HeaderFields) Headers {
	h := Headers{
		messageID: normalizeMessageID(f.MessageID),
		inReplyTo: normalizeMessageID(f.InReplyTo),
		subject:   strings.TrimSpace(f.Subject),
		from:      normalizeAddress(f.From),
		fromName:  strings.TrimSpace(f.FromName),
		date:      f.Date,
	}
	for _, ref := range f.References {
		if id := normalizeMessageID(ref); id != "" {
			h.references = append(h.references, id)
		}
	}
	h.to = normalizeAddresses(f.To)
	h.cc = normalizeAddresses(f.Cc)
	h.deliveredTo = normalizeAddresses(f.DeliveredTo)
	return h
}

// MessageID returns the normalized Message-ID without angle brackets
func (h Headers) MessageID() string { return h.messageID }

// InReplyTo returns the first normalized In-Reply-To id
func (h Headers) InReplyTo() string { return h.inReplyTo }

// References returns the References ids, oldest first
func (h Headers) References() []string { return clone(h.references) }

// Subject returns the decoded subject
func (h Headers) Subject() string { return h.subject }

// From returns the lower-cased sender address
func (h Headers) From() string { return h.from }

// FromName returns the sender display name
func (h Headers) FromName() string { return h.fromName }

// To returns the lower-cased To addresses
func (h Headers) To() []string { return clone(h.to) }

// Cc returns the lower-cased Cc addresses
func (h Headers) Cc() []string { return clone(h.cc) }

// DeliveredTo returns Delivered-To and X-Original-To addresses
func (h Headers) DeliveredTo() []string { return clone(h.deliveredTo) }

// Date returns the Date header, zero if missing or unparsable
func (h Headers) Date() time.Time { return h.date }

// WithMessageID returns a copy carrying the given id
func (h Headers) WithMessageID(id string) Headers {
	h.messageID = normalizeMessageID(id)
	return h
}

// Candidates returns the addresses that may identify the owning customer:
// sender first, then To, Cc and delivery headers, without duplicates
func (h Headers) Candidates() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(addrs ...string) {
		for _, a := range addrs {
			if a == "" || seen[a] {
				continue
			}
			seen[a] = true
			out = append(out, a)
		}
	}
	add(h.from)
	add(h.to...)
	add(h.cc...)
	add(h.deliveredTo...)
	return out
}

// headersFromMail extracts a snapshot from a parsed header block
func headersFromMail(header *mail.Header) Headers {
	f := HeaderFields{
		MessageID: firstMessageID(header.Get("Message-Id")),
		InReplyTo: firstMessageID(header.Get("In-Reply-To")),
	}
	for _, v := range header.Values("References") {
		f.References = append(f.References, parseMessageIDs(v)...)
	}

	if subject, err := header.Subject(); err == nil {
		f.Subject = subject
	} else {
		f.Subject = header.Get("Subject")
	}

	from := addressList(header, "From")
	if len(from) > 0 {
		f.From = from[0].Address
		f.FromName = from[0].Name
	}
	for _, a := range addressList(header, "To") {
		f.To = append(f.To, a.Address)
	}
	for _, a := range addressList(header, "Cc") {
		f.Cc = append(f.Cc, a.Address)
	}
	for _, key := range []string{"Delivered-To", "X-Original-To"} {
		for _, a := range addressList(header, key) {
			f.DeliveredTo = append(f.DeliveredTo, a.Address)
		}
	}

	if date, err := header.Date(); err == nil {
		f.Date = date
	}
	return NewHeaders(f)
}

// addressList parses an address header, falling back to a loose scan when
// the header is not RFC 5322 clean
func addressList(header *mail.Header, key string) []*mail.Address {
	if list, err := header.AddressList(key); err == nil {
		return list
	}
	var out []*mail.Address
	for _, v := range header.Values(key) {
		for _, m := range addressPattern.FindAllString(v, -1) {
			out = append(out, &mail.Address{Address: m})
		}
	}
	return out
}

// SynthesizeMessageID derives a stable id for messages without one
func SynthesizeMessageID(domain string, parts ...[]byte) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write(p)
	}
	if domain == "" {
		domain = "localhost"
	}
	return hex.EncodeToString(h.Sum(nil)) + "@" + domain
}

func firstMessageID(raw string) string {
	ids := parseMessageIDs(raw)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func parseMessageIDs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	matches := messageIDPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		var ids []string
		for _, field := range strings.Fields(raw) {
			if id := normalizeMessageID(field); id != "" {
				ids = append(ids, id)
			}
		}
		return ids
	}
	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		if id := normalizeMessageID(match[1]); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func normalizeMessageID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = strings.Trim(value, "<>")
	value = strings.Trim(value, "\"")
	return strings.TrimSpace(value)
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func normalizeAddresses(addrs []string) []string {
	var out []string
	for _, a := range addrs {
		if a = normalizeAddress(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func clone(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
