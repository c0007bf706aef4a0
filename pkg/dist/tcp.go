package dist

import (
	"encoding/gob"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Options configures a TCP group.
type Options struct {
	Rank      int
	LocalRank int
	WorldSize int
	// Addr is the host:port rank 0 listens on.
	Addr string
	// DialTimeout bounds how long non-zero ranks wait for rank 0 to listen.
	DialTimeout time.Duration
}

// message is the single wire type of a TCP group.
type message struct {
	Rank   int
	Floats []float64
	Blobs  [][]byte
}

type peer struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
}

// tcpGroup is a star: rank 0 collects every contribution, combines them and
// sends the result back to each rank.
type tcpGroup struct {
	opts   Options
	logger *log.Logger

	mu     sync.Mutex
	peers  []*peer // rank 0 only, indexed by rank
	root   *peer   // ranks > 0 only
	ln     net.Listener
	closed bool
}

// DialTCP joins (rank 0: hosts) the TCP group described by opts.
func DialTCP(opts Options) (Group, error) {
	if opts.WorldSize < 1 || opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, fmt.Errorf("dist: invalid rank %d for world size %d", opts.Rank, opts.WorldSize)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = time.Minute
	}
	g := &tcpGroup{
		opts: opts,
		logger: log.NewWithOptions(os.Stderr, log.Options{Prefix: "dist"}).
			With("rank", opts.Rank),
	}
	if opts.Rank == 0 {
		if err := g.host(); err != nil {
			return nil, err
		}
		return g, nil
	}
	if err := g.join(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *tcpGroup) host() error {
	ln, err := net.Listen("tcp", g.opts.Addr)
	if err != nil {
		return fmt.Errorf("dist: failed to listen on %s: %w", g.opts.Addr, err)
	}
	g.ln = ln
	g.peers = make([]*peer, g.opts.WorldSize)
	g.logger.Debug("waiting for ranks", "addr", g.opts.Addr, "world_size", g.opts.WorldSize)
	for joined := 1; joined < g.opts.WorldSize; joined++ {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("dist: accept failed: %w", err)
		}
		p := newPeer(conn)
		var hello message
		if err := p.dec.Decode(&hello); err != nil {
			return fmt.Errorf("dist: handshake failed: %w", err)
		}
		if hello.Rank <= 0 || hello.Rank >= g.opts.WorldSize || g.peers[hello.Rank] != nil {
			return fmt.Errorf("dist: unexpected rank %d in handshake", hello.Rank)
		}
		g.peers[hello.Rank] = p
		g.logger.Debug("rank joined", "peer", hello.Rank)
	}
	return nil
}

func (g *tcpGroup) join() error {
	deadline := time.Now().Add(g.opts.DialTimeout)
	for {
		conn, err := net.DialTimeout("tcp", g.opts.Addr, time.Second)
		if err == nil {
			g.root = newPeer(conn)
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("dist: failed to reach rank 0 at %s: %w", g.opts.Addr, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := g.root.enc.Encode(message{Rank: g.opts.Rank}); err != nil {
		return fmt.Errorf("dist: handshake failed: %w", err)
	}
	return nil
}

func (g *tcpGroup) Rank() int      { return g.opts.Rank }
func (g *tcpGroup) LocalRank() int { return g.opts.LocalRank }
func (g *tcpGroup) WorldSize() int { return g.opts.WorldSize }

// exchange sends msg to rank 0 and returns the combined result.
func (g *tcpGroup) exchange(msg message, combine func([]message) (message, error)) (message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return message{}, ErrClosed
	}
	msg.Rank = g.opts.Rank
	if g.opts.Rank != 0 {
		if err := g.root.enc.Encode(msg); err != nil {
			return message{}, fmt.Errorf("dist: send failed: %w", err)
		}
		var out message
		if err := g.root.dec.Decode(&out); err != nil {
			return message{}, fmt.Errorf("dist: receive failed: %w", err)
		}
		return out, nil
	}
	all := make([]message, g.opts.WorldSize)
	all[0] = msg
	for rank := 1; rank < g.opts.WorldSize; rank++ {
		if err := g.peers[rank].dec.Decode(&all[rank]); err != nil {
			return message{}, fmt.Errorf("dist: receive from rank %d failed: %w", rank, err)
		}
	}
	out, err := combine(all)
	if err != nil {
		return message{}, err
	}
	for rank := 1; rank < g.opts.WorldSize; rank++ {
		if err := g.peers[rank].enc.Encode(out); err != nil {
			return message{}, fmt.Errorf("dist: send to rank %d failed: %w", rank, err)
		}
	}
	return out, nil
}

func (g *tcpGroup) Barrier() error {
	_, err := g.exchange(message{}, func([]message) (message, error) {
		return message{}, nil
	})
	return err
}

func (g *tcpGroup) AllReduce(buf []float64) error {
	out, err := g.exchange(message{Floats: buf}, func(all []message) (message, error) {
		contributions := make([][]float64, len(all))
		for i, m := range all {
			contributions[i] = m.Floats
		}
		sum := make([]float64, len(buf))
		if err := sumInto(sum, contributions); err != nil {
			return message{}, err
		}
		return message{Floats: sum}, nil
	})
	if err != nil {
		return err
	}
	if len(out.Floats) != len(buf) {
		return fmt.Errorf("dist: reduced %d values, want %d", len(out.Floats), len(buf))
	}
	copy(buf, out.Floats)
	return nil
}

func (g *tcpGroup) AllGather(payload []byte) ([][]byte, error) {
	out, err := g.exchange(message{Blobs: [][]byte{payload}}, func(all []message) (message, error) {
		blobs := make([][]byte, len(all))
		for i, m := range all {
			if len(m.Blobs) != 1 {
				return message{}, fmt.Errorf("dist: rank %d sent %d payloads", i, len(m.Blobs))
			}
			blobs[i] = m.Blobs[0]
		}
		return message{Blobs: blobs}, nil
	})
	if err != nil {
		return nil, err
	}
	return out.Blobs, nil
}

func (g *tcpGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if g.root != nil {
		keep(g.root.conn.Close())
	}
	for _, p := range g.peers {
		if p != nil {
			keep(p.conn.Close())
		}
	}
	if g.ln != nil {
		keep(g.ln.Close())
	}
	return firstErr
}
