package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/example/notification-dispatcher/internal/common"
)

// DeliveryRequest is the payload carried by one bus message: the addresses to
// notify and the transcribed text to send them. An empty Recipients slice is a
// valid request that results in zero deliveries.
type DeliveryRequest struct {
	Recipients []string `json:"emails"`
	Body       string   `json:"text_audio"`
}

// wireRequest distinguishes absent fields from zero values during decoding.
type wireRequest struct {
	Emails    *[]string `json:"emails"`
	TextAudio *string   `json:"text_audio"`
}

// DecodeDeliveryRequest parses a bus payload. Invalid UTF-8, malformed JSON,
// missing or null fields and anything after the object fail with an error
// wrapping common.ErrDecode. Unknown fields are ignored.
func DecodeDeliveryRequest(payload []byte) (*DeliveryRequest, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, common.WrapDecode(errors.New("payload is empty"))
	}
	if !utf8.Valid(payload) {
		return nil, common.WrapDecode(errors.New("delivery request: payload is not valid UTF-8"))
	}

	var wire wireRequest
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&wire); err != nil {
		return nil, common.WrapDecode(fmt.Errorf("delivery request: %w", err))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, common.WrapDecode(errors.New("delivery request: unexpected trailing data"))
	}

	if wire.Emails == nil {
		return nil, common.WrapDecode(errors.New("delivery request: emails is required"))
	}
	if wire.TextAudio == nil {
		return nil, common.WrapDecode(errors.New("delivery request: text_audio is required"))
	}

	recipients := *wire.Emails
	if recipients == nil {
		recipients = []string{}
	}

	return &DeliveryRequest{
		Recipients: recipients,
		Body:       *wire.TextAudio,
	}, nil
}

// Encode renders the request in its wire form.
func (r DeliveryRequest) Encode() ([]byte, error) {
	if r.Recipients == nil {
		r.Recipients = []string{}
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("delivery request: encode: %w", err)
	}
	return data, nil
}
