// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"strings"
	"time"
)

// Well-known header names.
const (
	HeaderMessageID     = "MessageId"
	HeaderMessageName   = "MessageName"
	HeaderOrigination   = "Origination"
	HeaderDestination   = "Destination"
	HeaderReplyTo       = "ReplyTo"
	HeaderRelatedTo     = "RelatedTo"
	HeaderSent          = "Sent"
	HeaderReceived      = "Received"
	HeaderPublished     = "Published"
	HeaderExpires       = "Expires"
	HeaderTopic         = "Topic"
	HeaderContentType   = "ContentType"
	HeaderImportance    = "Importance"
	HeaderSecurityToken = "SecurityToken"
)

// timeLayout is the wire format for timestamp headers.
const timeLayout = time.RFC3339Nano

// Importance is the delivery policy tag carried by a message.
type Importance int

const (
	Low Importance = iota - 1
	Normal
	Critical
)

// String returns the wire encoding of the importance level.
func (i Importance) String() string {
	switch i {
	case Low:
		return "Low"
	case Critical:
		return "Critical"
	default:
		return "Normal"
	}
}

// ParseImportance decodes an importance level. Unknown values map to Normal.
func ParseImportance(s string) Importance {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low
	case "critical":
		return Critical
	default:
		return Normal
	}
}

type header struct {
	name  string
	value string
}

// Headers is an ordered collection of message headers. Lookups are
// case-insensitive; the canonical casing of the first Set is preserved
// for the wire.
type Headers struct {
	list []header
}

// NewHeaders returns an empty header collection.
func NewHeaders() *Headers {
	return &Headers{}
}

// Get returns the value of the named header, or "" if absent.
func (h *Headers) Get(name string) string {
	for _, hdr := range h.list {
		if strings.EqualFold(hdr.name, name) {
			return hdr.value
		}
	}
	return ""
}

// Has reports whether the named header is present.
func (h *Headers) Has(name string) bool {
	for _, hdr := range h.list {
		if strings.EqualFold(hdr.name, name) {
			return true
		}
	}
	return false
}

// Set stores the value under the given name, replacing any existing value.
// The casing of the name already present wins; a new header keeps the
// caller's casing.
func (h *Headers) Set(name, value string) {
	for i, hdr := range h.list {
		if strings.EqualFold(hdr.name, name) {
			h.list[i].value = value
			return
		}
	}
	h.list = append(h.list, header{name: name, value: value})
}

// Del removes the named header if present.
func (h *Headers) Del(name string) {
	for i, hdr := range h.list {
		if strings.EqualFold(hdr.name, name) {
			h.list = append(h.list[:i], h.list[i+1:]...)
			return
		}
	}
}

// Len returns the number of headers.
func (h *Headers) Len() int {
	return len(h.list)
}

// Each calls fn for every header in insertion order.
func (h *Headers) Each(fn func(name, value string)) {
	for _, hdr := range h.list {
		fn(hdr.name, hdr.value)
	}
}

// Clone returns a deep copy of the headers.
func (h *Headers) Clone() *Headers {
	cp := &Headers{list: make([]header, len(h.list))}
	copy(cp.list, h.list)
	return cp
}

// Equal reports whether two header collections carry the same names and
// values in the same order, comparing names case-insensitively.
func (h *Headers) Equal(other *Headers) bool {
	if len(h.list) != len(other.list) {
		return false
	}
	for i, hdr := range h.list {
		if !strings.EqualFold(hdr.name, other.list[i].name) || hdr.value != other.list[i].value {
			return false
		}
	}
	return true
}

func (h *Headers) getTime(name string) time.Time {
	v := h.Get(name)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func (h *Headers) setTime(name string, t time.Time) {
	if t.IsZero() {
		h.Del(name)
		return
	}
	h.Set(name, t.UTC().Format(timeLayout))
}

// MessageID returns the MessageId header.
func (h *Headers) MessageID() string { return h.Get(HeaderMessageID) }

// SetMessageID sets the MessageId header.
func (h *Headers) SetMessageID(id string) { h.Set(HeaderMessageID, id) }

// MessageName returns the logical message type.
func (h *Headers) MessageName() string { return h.Get(HeaderMessageName) }

// SetMessageName sets the logical message type.
func (h *Headers) SetMessageName(name string) { h.Set(HeaderMessageName, name) }

// Origination returns the sender endpoint URI.
func (h *Headers) Origination() string { return h.Get(HeaderOrigination) }

// SetOrigination sets the sender endpoint URI.
func (h *Headers) SetOrigination(uri string) { h.Set(HeaderOrigination, uri) }

// Destination returns the recipient endpoint URI.
func (h *Headers) Destination() string { return h.Get(HeaderDestination) }

// SetDestination sets the recipient endpoint URI.
func (h *Headers) SetDestination(uri string) { h.Set(HeaderDestination, uri) }

// ReplyTo returns the reply endpoint URI.
func (h *Headers) ReplyTo() string { return h.Get(HeaderReplyTo) }

// SetReplyTo sets the reply endpoint URI.
func (h *Headers) SetReplyTo(uri string) { h.Set(HeaderReplyTo, uri) }

// RelatedTo returns the id of the message this one replies to.
func (h *Headers) RelatedTo() string { return h.Get(HeaderRelatedTo) }

// SetRelatedTo correlates this message to an earlier one.
func (h *Headers) SetRelatedTo(id string) { h.Set(HeaderRelatedTo, id) }

// Sent returns the Sent timestamp, zero if absent or malformed.
func (h *Headers) Sent() time.Time { return h.getTime(HeaderSent) }

// SetSent sets the Sent timestamp.
func (h *Headers) SetSent(t time.Time) { h.setTime(HeaderSent, t) }

// Received returns the Received timestamp.
func (h *Headers) Received() time.Time { return h.getTime(HeaderReceived) }

// SetReceived sets the Received timestamp.
func (h *Headers) SetReceived(t time.Time) { h.setTime(HeaderReceived, t) }

// Published returns the Published timestamp.
func (h *Headers) Published() time.Time { return h.getTime(HeaderPublished) }

// SetPublished sets the Published timestamp.
func (h *Headers) SetPublished(t time.Time) { h.setTime(HeaderPublished, t) }

// Expires returns the absolute expiry instant, zero if unset.
func (h *Headers) Expires() time.Time { return h.getTime(HeaderExpires) }

// SetExpires sets the absolute expiry instant.
func (h *Headers) SetExpires(t time.Time) { h.setTime(HeaderExpires, t) }

// Expired reports whether the message carries an expiry in the past.
func (h *Headers) Expired(now time.Time) bool {
	exp := h.Expires()
	return !exp.IsZero() && exp.Before(now)
}

// Topic returns the publication topic.
func (h *Headers) Topic() string { return h.Get(HeaderTopic) }

// SetTopic sets the publication topic.
func (h *Headers) SetTopic(topic string) { h.Set(HeaderTopic, topic) }

// ContentType returns the MIME type of the content.
func (h *Headers) ContentType() string { return h.Get(HeaderContentType) }

// SetContentType sets the MIME type of the content.
func (h *Headers) SetContentType(ct string) { h.Set(HeaderContentType, ct) }

// Importance returns the delivery policy tag.
func (h *Headers) Importance() Importance { return ParseImportance(h.Get(HeaderImportance)) }

// SetImportance sets the delivery policy tag.
func (h *Headers) SetImportance(i Importance) { h.Set(HeaderImportance, i.String()) }

// SecurityToken returns the opaque security token.
func (h *Headers) SecurityToken() string { return h.Get(HeaderSecurityToken) }

// SetSecurityToken sets the opaque security token.
func (h *Headers) SetSecurityToken(tok string) { h.Set(HeaderSecurityToken, tok) }
