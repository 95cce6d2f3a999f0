package webhooks

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ObjectWhatsAppBusinessAccount = "whatsapp_business_account"
	FieldMessages                 = "messages"
)

// Payload is the Cloud API webhook envelope.
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	MessagingProduct string          `json:"messaging_product"`
	Metadata         ChangeMetadata  `json:"metadata"`
	Contacts         []Contact       `json:"contacts,omitempty"`
	Messages         []Message       `json:"messages,omitempty"`
	Statuses         []MessageStatus `json:"statuses,omitempty"`
	Errors           []ProviderError `json:"errors,omitempty"`
}

type ChangeMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
}

type MessageStatus struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Timestamp   string          `json:"timestamp"`
	RecipientID string          `json:"recipient_id"`
	Errors      []ProviderError `json:"errors,omitempty"`
}

type ProviderError struct {
	Code      int    `json:"code"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	ErrorData struct {
		Details string `json:"details"`
	} `json:"error_data"`
}

// Describe renders the most specific text the provider sent.
func (e ProviderError) Describe() string {
	parts := make([]string, 0, 2)
	if title := firstNonEmpty(e.Message, e.Title); title != "" {
		parts = append(parts, title)
	}
	if details := strings.TrimSpace(e.ErrorData.Details); details != "" {
		parts = append(parts, details)
	}
	text := strings.Join(parts, ": ")
	if e.Code != 0 {
		text = fmt.Sprintf("(#%d) %s", e.Code, text)
	}
	return strings.TrimSpace(text)
}

// ParsePayload decodes a raw webhook body. Unknown objects are rejected.
func ParsePayload(raw []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, fmt.Errorf("webhooks: parse payload: %w", err)
	}
	object := strings.TrimSpace(strings.ToLower(payload.Object))
	if object != "" && object != ObjectWhatsAppBusinessAccount {
		return Payload{}, fmt.Errorf("webhooks: unsupported object %q", payload.Object)
	}
	payload.Object = object
	return payload, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
