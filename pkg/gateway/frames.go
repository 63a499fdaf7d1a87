package gateway

import (
	"encoding/json"
	"fmt"
)

// Frame types exchanged over an attached connection. Update payloads are
// opaque engine bytes; everything else is presence bookkeeping.
const (
	FrameJoin     = "join"
	FramePresence = "presence"
	FrameLeave    = "leave"
	FrameUpdate   = "update"
	FrameInit     = "init"
)

// Frame is the single wire envelope. Fields are populated per type:
//
//	join      c->s  documentId, isEditing
//	presence  both  documentId, isEditing (+userId when server sent)
//	leave     both  documentId (+userId when server sent)
//	update    both  documentId, payload
//	init      s->c  userIds, editingIds, payload (full document snapshot)
type Frame struct {
	Type       string   `json:"type"`
	DocumentID string   `json:"documentId,omitempty"`
	UserID     string   `json:"userId,omitempty"`
	IsEditing  bool     `json:"isEditing,omitempty"`
	UserIDs    []string `json:"userIds,omitempty"`
	EditingIDs []string `json:"editingIds,omitempty"`
	Payload    []byte   `json:"payload,omitempty"`
}

func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame has no type")
	}
	return &f, nil
}

func encodeFrame(f *Frame) []byte {
	raw, err := json.Marshal(f)
	if err != nil {
		// Frame only holds marshalable fields.
		panic(err)
	}
	return raw
}
