package session

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/danmuck/gcomm/internal/protocol/frame"
	"github.com/danmuck/gcomm/internal/protocol/schema"
	"github.com/danmuck/gcomm/internal/protocol/tlv"
)

var ErrUnexpectedMessage = errors.New("session: unexpected message type")

// Data is one point-to-point payload between two ranks.
type Data struct {
	SourceRank uint32
	Op         uint32
	Payload    []byte
}

// SequenceStamp carries the sender's collective counter for mismatch detection.
type SequenceStamp struct {
	SourceRank uint32
	Op         uint32
	Sequence   uint64
}

func DataFrame(seq uint64, d Data) frame.Frame {
	payload := tlv.EncodeFields([]tlv.Field{
		tlv.U32Field(schema.FieldSourceRank, d.SourceRank),
		tlv.U32Field(schema.FieldOp, d.Op),
		tlv.BytesField(schema.FieldPayload, d.Payload),
	})
	return frame.New(schema.MsgData, seq, payload)
}

func SequenceFrame(seq uint64, s SequenceStamp) frame.Frame {
	payload := tlv.EncodeFields([]tlv.Field{
		tlv.U32Field(schema.FieldSourceRank, s.SourceRank),
		tlv.U32Field(schema.FieldOp, s.Op),
		tlv.U64Field(schema.FieldSequence, s.Sequence),
	})
	return frame.New(schema.MsgSequence, seq, payload)
}

// EncodeDataFrame renders a complete wire message, header included.
func EncodeDataFrame(seq uint64, d Data, limits frame.Limits) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.WriteFrame(&buf, DataFrame(seq, d), limits); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeDataFrame(fr frame.Frame) (Data, error) {
	fields, err := decodeFields(fr, schema.MsgData)
	if err != nil {
		return Data{}, err
	}
	src, err := tlv.GetU32(fields, schema.FieldSourceRank)
	if err != nil {
		return Data{}, err
	}
	op, err := tlv.GetU32(fields, schema.FieldOp)
	if err != nil {
		return Data{}, err
	}
	payload, _ := tlv.GetField(fields, schema.FieldPayload)
	return Data{SourceRank: src, Op: op, Payload: payload.Value}, nil
}

func DecodeSequenceFrame(fr frame.Frame) (SequenceStamp, error) {
	fields, err := decodeFields(fr, schema.MsgSequence)
	if err != nil {
		return SequenceStamp{}, err
	}
	src, err := tlv.GetU32(fields, schema.FieldSourceRank)
	if err != nil {
		return SequenceStamp{}, err
	}
	op, err := tlv.GetU32(fields, schema.FieldOp)
	if err != nil {
		return SequenceStamp{}, err
	}
	seq, err := tlv.GetU64(fields, schema.FieldSequence)
	if err != nil {
		return SequenceStamp{}, err
	}
	return SequenceStamp{SourceRank: src, Op: op, Sequence: seq}, nil
}

func decodeFields(fr frame.Frame, want uint32) ([]tlv.Field, error) {
	if fr.Header.MessageType != want {
		return nil, fmt.Errorf(
			"%w: got %s want %s",
			ErrUnexpectedMessage,
			schema.MessageName(fr.Header.MessageType),
			schema.MessageName(want),
		)
	}
	fields, err := tlv.DecodeFields(fr.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(want, fields); err != nil {
		return nil, err
	}
	return fields, nil
}
