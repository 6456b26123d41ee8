// Package wire implements the line-delimited JSON envelope protocol
// described by the mesh server's wire specification: the outer
// Envelope, the per-type payload structs carried in its Data field, and
// the framing codec that reads and writes them over a net.Conn.
package wire

import "encoding/json"

// NetworkMessageType identifies the kind of payload carried by an Envelope.
type NetworkMessageType string

const (
	TypeHandshake         NetworkMessageType = "HANDSHAKE"
	TypeHandshakeResponse NetworkMessageType = "HANDSHAKE_RESPONSE"
	TypeKeyExchange       NetworkMessageType = "KEY_EXCHANGE"
	TypeEncryptedMessage  NetworkMessageType = "ENCRYPTED_MESSAGE"
	TypeUserList          NetworkMessageType = "USER_LIST"
	TypeHeartbeat         NetworkMessageType = "HEARTBEAT"
	TypeFileTransfer      NetworkMessageType = "FILE_TRANSFER"
	TypeError             NetworkMessageType = "ERROR"
	TypeDisconnect        NetworkMessageType = "DISCONNECT"
)

// MaxFrameBytes is the maximum size, including the trailing newline, of
// a single wire frame.
const MaxFrameBytes = 8192

// Envelope is the outer object framed by a newline on every direction
// of the connection.
type Envelope struct {
	Type      NetworkMessageType `json:"type"`
	SenderID  string             `json:"senderId"`
	Data      string             `json:"data"`
	Timestamp int64              `json:"timestamp"`
	MessageID *string            `json:"messageId,omitempty"`
}

// DecodePayload unmarshals the envelope's stringified inner JSON into v.
func (e Envelope) DecodePayload(v any) error {
	return json.Unmarshal([]byte(e.Data), v)
}

// NewEnvelope builds an envelope with its Data field pre-encoded from payload.
func NewEnvelope(typ NetworkMessageType, senderID string, payload any, timestampMs int64, messageID *string) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      typ,
		SenderID:  senderID,
		Data:      string(raw),
		Timestamp: timestampMs,
		MessageID: messageID,
	}, nil
}

// HandshakeData is the client->server HANDSHAKE payload.
type HandshakeData struct {
	UserID        string `json:"userId"`
	Username      string `json:"username"`
	PublicKey     string `json:"publicKey"`
	ClientVersion string `json:"clientVersion,omitempty"`
}

// HandshakeResponseData is the server->client HANDSHAKE_RESPONSE payload.
type HandshakeResponseData struct {
	ServerUserID         string `json:"userId"`
	Username             string `json:"username"`
	PublicKey            string `json:"publicKey"`
	EncryptedSessionKey  string `json:"encryptedSessionKey"`
	ServerVersion        string `json:"serverVersion"`
	MaxMessageSize       int    `json:"maxMessageSize"`
}

// EncryptedMessageData carries AES-GCM ciphertext plus the signature and
// sender identity needed to verify it, in both directions.
type EncryptedMessageData struct {
	MessageID        string `json:"messageId"`
	EncryptedContent string `json:"encryptedContent"`
	IV               string `json:"iv"`
	Signature        string `json:"signature"`
	SenderPublicKey  string `json:"senderPublicKey"`
	SenderName       string `json:"senderName"`
	Timestamp        int64  `json:"timestamp"`
	MessageType      string `json:"messageType"`
}

// User is the roster entry shared in UserListData.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
	IsOnline  bool   `json:"isOnline"`
	LastSeen  int64  `json:"lastSeen"`
}

// UserListData is the server->client USER_LIST payload.
type UserListData struct {
	Users       []User `json:"users"`
	TotalUsers  int    `json:"totalUsers"`
	OnlineUsers int    `json:"onlineUsers"`
}

// ErrorData is the server->client ERROR payload.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Defined ErrorData codes (spec.md §6.1).
const (
	ErrMaxConnections      = "MAX_CONNECTIONS"
	ErrNotAuthenticated    = "NOT_AUTHENTICATED"
	ErrAlreadyAuthenticated = "ALREADY_AUTHENTICATED"
	ErrInvalidMessage      = "INVALID_MESSAGE"
	ErrHandshakeFailed     = "HANDSHAKE_FAILED"
	ErrNoSessionKey        = "NO_SESSION_KEY"
	ErrInvalidSignature    = "INVALID_SIGNATURE"
	ErrMessageFailed       = "MESSAGE_FAILED"
	ErrRateLimited         = "RATE_LIMITED"
	ErrUnsupported         = "UNSUPPORTED"
	ErrSlowConsumer        = "SLOW_CONSUMER"
	ErrReadTimeout         = "READ_TIMEOUT"
)

// HeartbeatData is the (empty) payload of a HEARTBEAT envelope.
type HeartbeatData struct{}
