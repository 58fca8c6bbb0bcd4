package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/gcomm/internal/protocol/frame"
	"github.com/danmuck/gcomm/internal/protocol/schema"
	"github.com/danmuck/gcomm/internal/protocol/session"
	"github.com/danmuck/gcomm/internal/rendezvous"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// TCP builds a full mesh of TCP connections. Each rank listens on an
// ephemeral port, publishes the address under Key(token, "addr", rank), and
// dials every lower rank. The dialer opens with a hello line; afterwards both
// directions carry frames.
type TCP struct {
	Store  rendezvous.Store
	Host   string
	Config session.Config
}

var _ Connector = (*TCP)(nil)

func NewTCP(store rendezvous.Store, host string) *TCP {
	if host == "" {
		host = "127.0.0.1"
	}
	return &TCP{Store: store, Host: host, Config: session.DefaultConfig()}
}

func AddrKey(token string, rank int) string {
	return rendezvous.Key(token, "addr", rank)
}

func (t *TCP) Connect(ctx context.Context, token string, rank, size int) (Endpoint, error) {
	if err := checkMembership(token, rank, size); err != nil {
		return nil, err
	}
	if t.Store == nil {
		return nil, fmt.Errorf("%w: tcp transport needs a rendezvous store", ErrTopology)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(t.Host, "0"))
	if err != nil {
		return nil, fmt.Errorf("%w: listen: %v", ErrTopology, err)
	}
	defer ln.Close()

	if err := t.Store.Put(ctx, AddrKey(token, rank), []byte(ln.Addr().String())); err != nil {
		return nil, fmt.Errorf("%w: publish address: %v", ErrTopology, err)
	}

	ep := newTCPEndpoint(rank, size, t.Config.Limits)
	g, gctx := errgroup.WithContext(ctx)
	go func() {
		<-gctx.Done()
		ln.Close()
	}()

	expected := size - 1 - rank
	g.Go(func() error {
		return t.acceptPeers(gctx, ln, ep, token, expected)
	})
	for peer := 0; peer < rank; peer++ {
		g.Go(func() error {
			return t.dialPeer(gctx, ep, token, peer)
		})
	}

	if err := g.Wait(); err != nil {
		ep.Close()
		if errors.Is(err, ErrTopology) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: rank %d: %v", ErrTopology, rank, err)
	}
	ep.start()
	log.Debug().
		Str("token", token).
		Int("rank", rank).
		Int("size", size).
		Str("listen", ln.Addr().String()).
		Msg("tcp mesh connected")
	return ep, nil
}

func (t *TCP) acceptPeers(ctx context.Context, ln net.Listener, ep *tcpEndpoint, token string, expected int) error {
	for accepted := 0; accepted < expected; {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		peer, err := t.answerHello(conn, ep, token)
		if err != nil {
			log.Warn().Err(err).Int("rank", ep.rank).Str("remote", conn.RemoteAddr().String()).Msg("rejected peer")
			conn.Close()
			continue
		}
		log.Trace().Int("rank", ep.rank).Int("peer", peer).Msg("accepted peer")
		accepted++
	}
	return nil
}

func (t *TCP) answerHello(conn net.Conn, ep *tcpEndpoint, token string) (int, error) {
	_ = conn.SetDeadline(time.Now().Add(t.Config.HandshakeTimeout))
	br := bufio.NewReader(conn)
	hello, err := session.ReadHello(br)
	if err != nil {
		return -1, err
	}

	reject := func(msg string) (int, error) {
		_ = session.WriteHelloAck(conn, session.HelloAck{
			Status:  session.AckStatusRejected,
			Rank:    ep.rank,
			Token:   token,
			Message: msg,
		})
		return -1, fmt.Errorf("%w: %s", session.ErrHelloRejected, msg)
	}
	switch {
	case hello.Token != token:
		return reject("token mismatch")
	case hello.WorldSize != ep.size:
		return reject("world size mismatch: " + strconv.Itoa(hello.WorldSize))
	case hello.Rank <= ep.rank:
		return reject("unexpected dialer rank " + strconv.Itoa(hello.Rank))
	case ep.hasPeer(hello.Rank):
		return reject("duplicate rank " + strconv.Itoa(hello.Rank))
	}

	if err := session.WriteHelloAck(conn, session.HelloAck{
		Status: session.AckStatusAccepted,
		Rank:   ep.rank,
		Token:  token,
	}); err != nil {
		return -1, err
	}
	_ = conn.SetDeadline(time.Time{})
	ep.attach(hello.Rank, conn, br)
	return hello.Rank, nil
}

func (t *TCP) dialPeer(ctx context.Context, ep *tcpEndpoint, token string, peer int) error {
	raw, err := t.Store.Get(ctx, AddrKey(token, peer))
	if err != nil {
		return fmt.Errorf("%w: address of rank %d: %v", ErrTopology, peer, err)
	}
	addr := string(raw)

	var conn net.Conn
	dialer := net.Dialer{Timeout: t.Config.ConnectTimeout}
	err = session.Retry(ctx, t.Config.Backoff, t.Config.DialAttempts, func(attempt int) error {
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			log.Debug().Err(err).Int("rank", ep.rank).Int("peer", peer).Int("attempt", attempt).Msg("dial retry")
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: dial rank %d at %s: %v", ErrTopology, peer, addr, err)
	}

	_ = conn.SetDeadline(time.Now().Add(t.Config.HandshakeTimeout))
	if err := session.WriteHello(conn, session.Hello{Token: token, Rank: ep.rank, WorldSize: ep.size}); err != nil {
		conn.Close()
		return err
	}
	br := bufio.NewReader(conn)
	ack, err := session.ReadHelloAck(br)
	if err != nil {
		conn.Close()
		return err
	}
	if err := ack.Err(); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrTopology, err)
	}
	if ack.Rank != peer || ack.Token != token {
		conn.Close()
		return fmt.Errorf("%w: rank %d answered as rank %d", ErrTopology, peer, ack.Rank)
	}
	_ = conn.SetDeadline(time.Time{})
	ep.attach(peer, conn, br)
	return nil
}

type tcpPeer struct {
	conn   net.Conn
	reader *bufio.Reader

	wmu    sync.Mutex
	writer *bufio.Writer
}

type tcpEndpoint struct {
	rank   int
	size   int
	limits frame.Limits

	mu    sync.Mutex
	peers []*tcpPeer
	boxes []*mailbox

	closing atomic.Bool
	wg      sync.WaitGroup
}

func newTCPEndpoint(rank, size int, limits frame.Limits) *tcpEndpoint {
	boxes := make([]*mailbox, size)
	for i := range boxes {
		boxes[i] = newMailbox()
	}
	return &tcpEndpoint{
		rank:   rank,
		size:   size,
		limits: limits,
		peers:  make([]*tcpPeer, size),
		boxes:  boxes,
	}
}

func (e *tcpEndpoint) hasPeer(rank int) bool {
	if rank < 0 || rank >= e.size {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers[rank] != nil
}

func (e *tcpEndpoint) attach(rank int, conn net.Conn, br *bufio.Reader) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers[rank] = &tcpPeer{conn: conn, reader: br, writer: bufio.NewWriterSize(conn, 64*1024)}
}

func (e *tcpEndpoint) start() {
	for rank, p := range e.peers {
		if p == nil {
			continue
		}
		e.wg.Add(1)
		go e.readLoop(rank, p)
	}
}

func (e *tcpEndpoint) readLoop(peer int, p *tcpPeer) {
	defer e.wg.Done()
	box := e.boxes[peer]
	for {
		fr, err := frame.ReadFrame(p.reader, e.limits)
		if err != nil {
			if e.closing.Load() {
				box.fail(ErrClosed)
			} else {
				box.fail(fmt.Errorf("%w: rank %d: %v", ErrPeerLost, peer, err))
			}
			return
		}
		msg, err := decodeMessage(fr, peer)
		if err != nil {
			log.Error().Err(err).Int("rank", e.rank).Int("peer", peer).Msg("bad frame from peer")
			box.fail(fmt.Errorf("%w: rank %d: %v", ErrPeerLost, peer, err))
			p.conn.Close()
			return
		}
		box.push(msg)
	}
}

func decodeMessage(fr frame.Frame, peer int) (Message, error) {
	switch fr.Header.MessageType {
	case schema.MsgData:
		d, err := session.DecodeDataFrame(fr)
		if err != nil {
			return Message{}, err
		}
		if int(d.SourceRank) != peer {
			return Message{}, fmt.Errorf("source rank %d on connection to rank %d", d.SourceRank, peer)
		}
		return Message{Kind: KindData, Op: d.Op, Sequence: fr.Header.Sequence, Payload: d.Payload}, nil
	case schema.MsgSequence:
		s, err := session.DecodeSequenceFrame(fr)
		if err != nil {
			return Message{}, err
		}
		if int(s.SourceRank) != peer {
			return Message{}, fmt.Errorf("source rank %d on connection to rank %d", s.SourceRank, peer)
		}
		return Message{Kind: KindSequence, Op: s.Op, Sequence: s.Sequence}, nil
	default:
		return Message{}, fmt.Errorf("%w: %s", session.ErrUnexpectedMessage, schema.MessageName(fr.Header.MessageType))
	}
}

func (e *tcpEndpoint) Rank() int { return e.rank }

func (e *tcpEndpoint) Size() int { return e.size }

func (e *tcpEndpoint) Send(peer int, msg Message) error {
	if err := checkPeer(peer, e.size); err != nil {
		return err
	}
	if e.closing.Load() {
		return ErrClosed
	}
	if peer == e.rank {
		e.boxes[peer].push(cloneMessage(msg))
		return nil
	}

	var fr frame.Frame
	switch msg.Kind {
	case KindSequence:
		fr = session.SequenceFrame(msg.Sequence, session.SequenceStamp{
			SourceRank: uint32(e.rank),
			Op:         msg.Op,
			Sequence:   msg.Sequence,
		})
	default:
		fr = session.DataFrame(msg.Sequence, session.Data{
			SourceRank: uint32(e.rank),
			Op:         msg.Op,
			Payload:    msg.Payload,
		})
	}

	p := e.peers[peer]
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := frame.WriteFrame(p.writer, fr, e.limits); err != nil {
		return fmt.Errorf("%w: send to rank %d: %v", ErrPeerLost, peer, err)
	}
	if err := p.writer.Flush(); err != nil {
		return fmt.Errorf("%w: send to rank %d: %v", ErrPeerLost, peer, err)
	}
	return nil
}

func (e *tcpEndpoint) Recv(peer int) (Message, error) {
	if err := checkPeer(peer, e.size); err != nil {
		return Message{}, err
	}
	return e.boxes[peer].pop()
}

func (e *tcpEndpoint) Close() error {
	if !e.closing.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	for _, p := range e.peers {
		if p != nil {
			p.conn.Close()
		}
	}
	e.mu.Unlock()
	e.boxes[e.rank].fail(ErrClosed)
	e.wg.Wait()
	return nil
}
