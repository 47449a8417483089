// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderCodec_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
	}{
		{
			name: "Simple headers",
			headers: map[string]string{
				"MessageId":   "abc-123",
				"MessageName": "OrderPlaced",
				"ContentType": "application/json",
			},
		},
		{
			name: "Multi-line value",
			headers: map[string]string{
				"MessageId": "m-1",
				"Note":      "first line\nsecond line\nthird line",
			},
		},
		{
			name: "Empty value",
			headers: map[string]string{
				"MessageId": "m-2",
				"RelatedTo": "",
			},
		},
		{
			name: "Mixed case keys",
			headers: map[string]string{
				"messageID": "m-3",
				"tOpIc":     "sensors",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHeaders()
			for k, v := range tt.headers {
				h.Set(k, v)
			}

			decoded, err := DecodeHeaders(EncodeHeaders(h))
			require.NoError(t, err)

			assert.Equal(t, h.Len(), decoded.Len())
			h.Each(func(name, value string) {
				assert.Equal(t, value, decoded.Get(name), "header %s", name)
			})
		})
	}
}

func TestHeaderCodec_PreservesOrder(t *testing.T) {
	h := NewHeaders()
	h.Set("MessageId", "m-1")
	h.Set("Topic", "a")
	h.Set("Destination", "http://b")

	decoded, err := DecodeHeaders(EncodeHeaders(h))
	require.NoError(t, err)
	require.True(t, h.Equal(decoded))
}

func TestDecodeHeaders_SkipsComments(t *testing.T) {
	blob := "# reserved for future metadata\r\nMessageId: m-1\r\n# another\r\nTopic: t\r\n\r\n"
	h, err := DecodeHeaders(blob)
	require.NoError(t, err)
	assert.Equal(t, "m-1", h.MessageID())
	assert.Equal(t, "t", h.Topic())
	assert.Equal(t, 2, h.Len())
}

func TestDecodeHeaders_AcceptsAnyContinuationWhitespace(t *testing.T) {
	blob := "Note: one\r\n\ttwo\r\n   three\r\n\r\n"
	h, err := DecodeHeaders(blob)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree", h.Get("Note"))
}

func TestDecodeHeaders_Malformed(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{"No colon", "MessageId m-1\r\n\r\n"},
		{"Colon first", ": value\r\n\r\n"},
		{"Leading continuation", "  dangling\r\nMessageId: m-1\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHeaders(tt.blob)
			assert.Error(t, err)
		})
	}
}

func TestDecodeHeaders_StopsAtBlankLine(t *testing.T) {
	blob := "MessageId: m-1\r\n\r\nTopic: ignored\r\n"
	h, err := DecodeHeaders(blob)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Len())
	assert.Empty(t, h.Topic())
}
