package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	controlTypeHello    = "peer.hello"
	controlTypeHelloAck = "peer.hello.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlLine = 16 * 1024
)

var (
	ErrInvalidHello           = errors.New("session: invalid hello")
	ErrInvalidHelloAck        = errors.New("session: invalid hello ack")
	ErrHelloRejected          = errors.New("session: hello rejected")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Hello is the dialer->listener connection-start payload.
type Hello struct {
	Token     string `json:"token"`
	Rank      int    `json:"rank"`
	WorldSize int    `json:"world_size"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.Token) == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidHello)
	}
	if h.WorldSize < 1 {
		return fmt.Errorf("%w: world_size=%d", ErrInvalidHello, h.WorldSize)
	}
	if h.Rank < 0 || h.Rank >= h.WorldSize {
		return fmt.Errorf("%w: rank=%d outside [0,%d)", ErrInvalidHello, h.Rank, h.WorldSize)
	}
	return nil
}

// HelloAck is the listener->dialer response.
type HelloAck struct {
	Status  string `json:"status"`
	Rank    int    `json:"rank"`
	Token   string `json:"token"`
	Message string `json:"message,omitempty"`
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if strings.TrimSpace(a.Token) == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidHelloAck)
	}
	return nil
}

// Err maps a rejected ack onto ErrHelloRejected.
func (a HelloAck) Err() error {
	if a.Status == AckStatusAccepted {
		return nil
	}
	return fmt.Errorf("%w: rank=%d: %s", ErrHelloRejected, a.Rank, a.Message)
}

type controlEnvelope struct {
	Type  string    `json:"type"`
	Hello *Hello    `json:"hello,omitempty"`
	Ack   *HelloAck `json:"hello_ack,omitempty"`
}

func WriteHello(w io.Writer, h Hello) error {
	if err := h.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHello, Hello: &h})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHello, env.Type)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func WriteHelloAck(w io.Writer, ack HelloAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHelloAck, Ack: &ack})
}

func ReadHelloAck(r *bufio.Reader) (HelloAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return HelloAck{}, err
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHelloAck, env.Type)
	}
	if err := env.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	if err != nil {
		return controlEnvelope{}, err
	}
	if len(line) > maxControlLine {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
