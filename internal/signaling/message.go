package signaling

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	TypeRegister     = "register"
	TypeCreateRoom   = "create-room"
	TypeJoinRoom     = "join-room"
	TypeLeaveRoom    = "leave-room"
	TypeFileTransfer = "file-transfer"
	TypeTransferEnd  = "transfer-end"
	TypeRTCOffer     = "rtc-offer"
	TypeRTCAnswer    = "rtc-answer"
	TypeRTCCandidate = "rtc-candidate"
)

// Outbound message types.
const (
	TypeSelfIdentity     = "self-identity"
	TypeDevices          = "devices"
	TypeRoomCreated      = "room-created"
	TypeRoomJoined       = "room-joined"
	TypeRoomLeft         = "room-left"
	TypeRoomError        = "room-error"
	TypeRoomMembers      = "room-members"
	TypeDeviceJoined     = "device-joined"
	TypeDeviceLeft       = "device-left"
	TypeChunkReceived    = "chunk-received"
	TypeTransferError    = "transfer-error"
	TypeFileChunk        = "file-chunk"
	TypeFileReceived     = "file-received"
	TypeTransferComplete = "transfer-complete"
	TypeError            = "error"
)

// Envelope is the decoded form of every inbound message. Only the fields
// relevant to Type are populated.
type Envelope struct {
	Type         string          `json:"type"`
	Device       map[string]any  `json:"device,omitempty"`
	RoomID       string          `json:"roomId,omitempty"`
	Transfer     *TransferHeader `json:"transfer,omitempty"`
	TargetDevice string          `json:"targetDevice,omitempty"`
	Chunk        Bytes           `json:"chunk,omitempty"`
	TransferID   string          `json:"transferId,omitempty"`
	To           string          `json:"to,omitempty"`
}

// TransferHeader describes the file a chunk belongs to.
type TransferHeader struct {
	ID           string `json:"id"`
	FileName     string `json:"fileName"`
	FileSize     int64  `json:"fileSize"`
	CurrentChunk int    `json:"currentChunk"`
	TotalChunks  int    `json:"totalChunks"`
}

// Bytes is a binary payload. JSON carries it as base64; an array of byte
// values is accepted on input for browser clients that send Array.from(...).
type Bytes []byte

func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var values []int
		if err := json.Unmarshal(data, &values); err != nil {
			return err
		}
		out := make([]byte, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return fmt.Errorf("byte value %d out of range", v)
			}
			out[i] = byte(v)
		}
		*b = out
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// DeviceInfo is the public view of a registered peer.
type DeviceInfo struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type SelfIdentity struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
}

type DeviceList struct {
	Type    string       `json:"type"`
	Devices []DeviceInfo `json:"devices"`
}

type RoomEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type RoomMembers struct {
	Type    string       `json:"type"`
	RoomID  string       `json:"roomId"`
	Devices []DeviceInfo `json:"devices"`
}

type MemberEvent struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
}

type ChunkReceived struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	ChunkIndex int    `json:"chunkIndex"`
}

type TransferError struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	Error      string `json:"error"`
}

type FileChunk struct {
	Type        string `json:"type"`
	TransferID  string `json:"transferId"`
	From        string `json:"from"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Chunk       []byte `json:"chunk"`
}

type FileReceived struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	From       string `json:"from"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
	FileData   []byte `json:"fileData"`
}

type TransferComplete struct {
	Type        string `json:"type"`
	TransferID  string `json:"transferId"`
	From        string `json:"from"`
	TotalChunks int    `json:"totalChunks"`
}

// ErrorMessage is sent for protocol failures and to room-error replies.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Signal is a relayed offer/answer/candidate, forwarded with every field the
// sender supplied plus "from".
type Signal map[string]any

func newError(msg string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Message: msg}
}

func newTransferError(transferID, reason string) *TransferError {
	return &TransferError{Type: TypeTransferError, TransferID: transferID, Error: reason}
}
