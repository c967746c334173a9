// Package protocol defines the JSON message envelope exchanged over the tunnel.
// Both the relay server and the local tunnel client speak this protocol, so the
// field names here are the wire contract.
package protocol

import (
	"encoding/json"

	dErrors "hookbridge/pkg/domain-errors"
)

// MessageType tags the envelope union.
type MessageType string

const (
	TypeAuth         MessageType = "auth"
	TypeAuthResponse MessageType = "auth_response"
	TypeWebhook      MessageType = "webhook"
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
	TypeAPI          MessageType = "api"
	TypeAPIResponse  MessageType = "api_response"
)

// IsValid returns true if the message type is a known member of the union.
func (t MessageType) IsValid() bool {
	switch t {
	case TypeAuth, TypeAuthResponse, TypeWebhook, TypePing, TypePong, TypeAPI, TypeAPIResponse:
		return true
	}
	return false
}

// Message is the tunnel envelope. Payload shape depends on Type; Success and
// Error are only meaningful on response envelopes.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// AuthPayload is sent client → broker immediately after the socket opens.
type AuthPayload struct {
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
	Email          string `json:"email,omitempty"`
}

// AuthResponsePayload confirms or rejects the handshake.
type AuthResponsePayload struct {
	OrganizationID string `json:"organizationId,omitempty"`
}

// APIPayload asks the broker to perform an upstream API call on the caller's
// behalf. ID is caller-chosen and must be unique per in-flight call.
type APIPayload struct {
	ID       string          `json:"id"`
	Method   string          `json:"method,omitempty"`
	Endpoint string          `json:"endpoint"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// APIResponsePayload carries the upstream result back, correlated by ID.
type APIResponsePayload struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// WebhookPayload delivers a verified upstream event to the local process.
// Body is the exact raw bytes the ingress received; Headers is the allow-listed
// subset of the original delivery headers.
type WebhookPayload struct {
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Parse decodes and validates an envelope from raw bytes.
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeProtocol, "malformed message envelope")
	}
	if !m.Type.IsValid() {
		return nil, dErrors.New(dErrors.CodeProtocol, "unknown message type: "+string(m.Type))
	}
	return &m, nil
}

// Encode serializes the envelope for the wire.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode message")
	}
	return data, nil
}

func newMessage(t MessageType, payload any) (*Message, error) {
	m := &Message{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode payload")
		}
		m.Payload = raw
	}
	return m, nil
}

// NewAuth builds the handshake message.
func NewAuth(p AuthPayload) (*Message, error) {
	return newMessage(TypeAuth, p)
}

// NewAuthResponse builds the handshake reply. On failure errMsg explains why.
func NewAuthResponse(success bool, errMsg, organizationID string) (*Message, error) {
	m, err := newMessage(TypeAuthResponse, AuthResponsePayload{OrganizationID: organizationID})
	if err != nil {
		return nil, err
	}
	m.Success = &success
	m.Error = errMsg
	return m, nil
}

// NewAPI builds an outbound API relay request.
func NewAPI(p APIPayload) (*Message, error) {
	return newMessage(TypeAPI, p)
}

// NewAPIResponse builds the correlated reply to an API relay request.
func NewAPIResponse(p APIResponsePayload) (*Message, error) {
	success := p.Error == ""
	m, err := newMessage(TypeAPIResponse, p)
	if err != nil {
		return nil, err
	}
	m.Success = &success
	return m, nil
}

// NewWebhook builds a webhook delivery message.
func NewWebhook(p WebhookPayload) (*Message, error) {
	return newMessage(TypeWebhook, p)
}

// NewPing builds a keepalive probe.
func NewPing() *Message {
	return &Message{Type: TypePing}
}

// NewPong builds the keepalive reply.
func NewPong() *Message {
	return &Message{Type: TypePong}
}

// NewErrorResponse answers a malformed or rejected request without closing the
// socket. The reply echoes the request type so the client can attribute it.
func NewErrorResponse(t MessageType, err error) *Message {
	success := false
	return &Message{
		Type:    t,
		Success: &success,
		Error:   err.Error(),
	}
}

// DecodeAuth extracts and validates an auth payload.
func (m *Message) DecodeAuth() (*AuthPayload, error) {
	var p AuthPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeProtocol, "malformed auth payload")
	}
	if p.OrganizationID == "" || p.UserID == "" {
		return nil, dErrors.New(dErrors.CodeProtocol, "auth payload requires organizationId and userId")
	}
	return &p, nil
}

// DecodeAuthResponse extracts an auth_response payload.
func (m *Message) DecodeAuthResponse() (*AuthResponsePayload, error) {
	p := &AuthResponsePayload{}
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, p); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeProtocol, "malformed auth_response payload")
		}
	}
	return p, nil
}

// DecodeAPI extracts and validates an api payload. Method defaults to GET.
func (m *Message) DecodeAPI() (*APIPayload, error) {
	var p APIPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeProtocol, "malformed api payload")
	}
	if p.ID == "" || p.Endpoint == "" {
		return nil, dErrors.New(dErrors.CodeProtocol, "api payload requires id and endpoint")
	}
	if p.Method == "" {
		p.Method = "GET"
	}
	return &p, nil
}

// DecodeAPIResponse extracts an api_response payload.
func (m *Message) DecodeAPIResponse() (*APIResponsePayload, error) {
	var p APIResponsePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeProtocol, "malformed api_response payload")
	}
	if p.ID == "" {
		return nil, dErrors.New(dErrors.CodeProtocol, "api_response payload requires id")
	}
	return &p, nil
}

// DecodeWebhook extracts a webhook payload.
func (m *Message) DecodeWebhook() (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeProtocol, "malformed webhook payload")
	}
	return &p, nil
}
