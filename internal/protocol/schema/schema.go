package schema

import (
	"fmt"

	"github.com/danmuck/gcomm/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Peer message types.
const (
	MsgData     uint32 = 1
	MsgSequence uint32 = 2
)

const (
	FieldSourceRank uint16 = 1
	FieldOp         uint16 = 2
	FieldSequence   uint16 = 3

	FieldPayload uint16 = 100
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgData: {
		{FieldSourceRank, tlv.TypeU32},
		{FieldOp, tlv.TypeU32},
		{FieldPayload, tlv.TypeBytes},
	},
	MsgSequence: {
		{FieldSourceRank, tlv.TypeU32},
		{FieldOp, tlv.TypeU32},
		{FieldSequence, tlv.TypeU64},
	},
}

// MessageName is used in logs and error text.
func MessageName(messageType uint32) string {
	switch messageType {
	case MsgData:
		return "data"
	case MsgSequence:
		return "sequence"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Str("message", MessageName(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Str("message", MessageName(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Str("message", MessageName(messageType)).Int("fields", len(fields)).Msg("schema.Validate ok")
	return nil
}
