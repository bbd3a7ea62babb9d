package ddp

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReduceOp selects the reduction applied by AllReduce.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceMean
	ReduceMax
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "sum"
	case ReduceMean:
		return "mean"
	case ReduceMax:
		return "max"
	}
	return fmt.Sprintf("ReduceOp(%d)", int(op))
}

const dialRetryInterval = 500 * time.Millisecond

// message is the gob frame exchanged between rank 0 and the workers. Every
// collective is one request/response round trip per worker; Seq and Kind let
// both sides detect out-of-step collective calls instead of silently mixing
// payloads.
type message struct {
	Seq    uint64
	Kind   string
	Rank   int
	JobID  string
	World  int
	Floats []float32
	Bytes  []byte
	Parts  [][]byte
}

// peer is one established connection, with its long-lived gob codecs.
type peer struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
}

func (p *peer) send(ctx context.Context, msg *message) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = p.conn.SetWriteDeadline(deadline)
	} else {
		_ = p.conn.SetWriteDeadline(time.Time{})
	}
	return p.enc.Encode(msg)
}

func (p *peer) recv(ctx context.Context, msg *message) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = p.conn.SetReadDeadline(deadline)
	} else {
		_ = p.conn.SetReadDeadline(time.Time{})
	}
	return p.dec.Decode(msg)
}

// Group is an established process group. All ranks must call each collective the
// same number of times, in the same order. A Group's collectives may be called
// from one goroutine at a time.
//
// With WorldSize 1 every collective is a local no-op, so single-process training
// uses the same code path.
type Group struct {
	Config

	mu  sync.Mutex
	seq uint64

	// Rank 0 only: one peer per worker rank (index 0 unused).
	workers []*peer
	// Ranks > 0 only: the connection to rank 0.
	master *peer

	listener  net.Listener
	closeOnce sync.Once
}

// New establishes the process group described by config: rank 0 listens on
// MasterPort and every other rank connects to it, retrying until ctx expires.
// It returns once all WorldSize processes joined.
func New(ctx context.Context, config Config) (*Group, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	g := &Group{Config: config}
	if config.WorldSize == 1 {
		return g, nil
	}
	var err error
	if config.IsMaster() {
		err = g.acceptWorkers(ctx)
	} else {
		err = g.dialMaster(ctx)
	}
	if err != nil {
		g.Close()
		return nil, err
	}
	klog.V(1).Infof("rank %d of %d joined process group at %s:%d",
		config.Rank, config.WorldSize, config.MasterAddr, config.MasterPort)
	return g, nil
}

func (g *Group) acceptWorkers(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", g.MasterPort))
	if err != nil {
		return errors.Wrapf(err, "rank 0 failed to listen on port %d", g.MasterPort)
	}
	g.listener = listener
	g.workers = make([]*peer, g.WorldSize)
	for joined := 1; joined < g.WorldSize; joined++ {
		if deadline, ok := ctx.Deadline(); ok {
			_ = listener.(*net.TCPListener).SetDeadline(deadline)
		}
		conn, err := listener.Accept()
		if err != nil {
			return errors.Wrapf(err, "rank 0 failed waiting for workers (%d of %d joined)",
				joined, g.WorldSize)
		}
		p := newPeer(conn)
		var hello message
		if err := p.recv(ctx, &hello); err != nil {
			return errors.Wrap(err, "rank 0 failed to read worker hello")
		}
		if hello.Kind != "hello" {
			return errors.Errorf("rank 0 expected hello, got %q", hello.Kind)
		}
		if g.JobID != "" && hello.JobID != "" && hello.JobID != g.JobID {
			return errors.Errorf("worker rank %d belongs to job %q, this is job %q",
				hello.Rank, hello.JobID, g.JobID)
		}
		if hello.Rank <= 0 || hello.Rank >= g.WorldSize {
			return errors.Errorf("worker announced invalid rank %d for world size %d",
				hello.Rank, g.WorldSize)
		}
		if g.workers[hello.Rank] != nil {
			return errors.Errorf("two workers announced rank %d", hello.Rank)
		}
		if err := p.send(ctx, &message{Kind: "welcome", World: g.WorldSize, JobID: g.JobID}); err != nil {
			return errors.Wrapf(err, "rank 0 failed to welcome rank %d", hello.Rank)
		}
		g.workers[hello.Rank] = p
	}
	return nil
}

func (g *Group) dialMaster(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", g.MasterAddr, g.MasterPort)
	var dialer net.Dialer
	var conn net.Conn
	var err error
	for {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		// Rank 0 may not be listening yet, keep retrying until ctx gives up.
		select {
		case <-ctx.Done():
			return errors.Wrapf(err, "rank %d failed to reach rank 0 at %s", g.Rank, addr)
		case <-time.After(dialRetryInterval):
		}
	}
	p := newPeer(conn)
	if err := p.send(ctx, &message{Kind: "hello", Rank: g.Rank, JobID: g.JobID}); err != nil {
		return errors.Wrapf(err, "rank %d failed to send hello", g.Rank)
	}
	var welcome message
	if err := p.recv(ctx, &welcome); err != nil {
		return errors.Wrapf(err, "rank %d failed to read welcome", g.Rank)
	}
	if welcome.Kind != "welcome" {
		return errors.Errorf("rank %d expected welcome, got %q", g.Rank, welcome.Kind)
	}
	if welcome.World != g.WorldSize {
		return errors.Errorf("rank %d configured with world size %d but rank 0 has %d",
			g.Rank, g.WorldSize, welcome.World)
	}
	g.master = p
	return nil
}

// Close tears the group down. Safe to call more than once.
func (g *Group) Close() {
	g.closeOnce.Do(func() {
		if g.master != nil {
			_ = g.master.conn.Close()
		}
		for _, p := range g.workers {
			if p != nil {
				_ = p.conn.Close()
			}
		}
		if g.listener != nil {
			_ = g.listener.Close()
		}
	})
}

// Barrier blocks until every rank reached it.
func (g *Group) Barrier(ctx context.Context) error {
	_, err := g.round(ctx, "barrier", &message{})
	return err
}

// AllReduce reduces values element-wise across all ranks and returns the result,
// which is identical on every rank. All ranks must pass slices of the same length.
func (g *Group) AllReduce(ctx context.Context, values []float32, op ReduceOp) ([]float32, error) {
	if g.WorldSize == 1 {
		return values, nil
	}
	kind := "allreduce/" + op.String()
	result, err := g.round(ctx, kind, &message{Floats: values})
	if err != nil {
		return nil, err
	}
	return result.Floats, nil
}

// Broadcast sends rank 0's data to every rank; the returned slice is rank 0's
// data on all ranks. Non-zero ranks may pass nil.
func (g *Group) Broadcast(ctx context.Context, data []byte) ([]byte, error) {
	if g.WorldSize == 1 {
		return data, nil
	}
	result, err := g.round(ctx, "broadcast", &message{Bytes: data})
	if err != nil {
		return nil, err
	}
	return result.Bytes, nil
}

// AllGather collects each rank's data and returns the per-rank slices, indexed by
// rank, identically on every rank.
func (g *Group) AllGather(ctx context.Context, data []byte) ([][]byte, error) {
	if g.WorldSize == 1 {
		return [][]byte{data}, nil
	}
	result, err := g.round(ctx, "allgather", &message{Bytes: data})
	if err != nil {
		return nil, err
	}
	return result.Parts, nil
}

// round runs one collective: workers send their contribution to rank 0 and wait
// for the combined reply; rank 0 gathers all contributions, combines them, and
// fans the result back out.
func (g *Group) round(ctx context.Context, kind string, contribution *message) (*message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	contribution.Seq = g.seq
	contribution.Kind = kind
	contribution.Rank = g.Rank
	if g.WorldSize == 1 {
		return contribution, nil
	}

	if !g.IsMaster() {
		if err := g.master.send(ctx, contribution); err != nil {
			return nil, errors.Wrapf(err, "rank %d failed to send %s", g.Rank, kind)
		}
		var reply message
		if err := g.master.recv(ctx, &reply); err != nil {
			return nil, errors.Wrapf(err, "rank %d failed to receive %s result", g.Rank, kind)
		}
		if err := checkFrame(&reply, kind, g.seq); err != nil {
			return nil, err
		}
		return &reply, nil
	}

	gathered := make([]*message, g.WorldSize)
	gathered[0] = contribution
	for rank := 1; rank < g.WorldSize; rank++ {
		var msg message
		if err := g.workers[rank].recv(ctx, &msg); err != nil {
			return nil, errors.Wrapf(err, "rank 0 failed to receive %s from rank %d", kind, rank)
		}
		if err := checkFrame(&msg, kind, g.seq); err != nil {
			return nil, errors.Wrapf(err, "from rank %d", rank)
		}
		gathered[rank] = &msg
	}
	reply, err := combine(kind, gathered)
	if err != nil {
		return nil, err
	}
	reply.Seq = g.seq
	reply.Kind = kind
	for rank := 1; rank < g.WorldSize; rank++ {
		if err := g.workers[rank].send(ctx, reply); err != nil {
			return nil, errors.Wrapf(err, "rank 0 failed to send %s result to rank %d", kind, rank)
		}
	}
	return reply, nil
}

func checkFrame(msg *message, kind string, seq uint64) error {
	if msg.Kind != kind {
		return errors.Errorf("process group out of step: expected collective %q, got %q", kind, msg.Kind)
	}
	if msg.Seq != seq {
		return errors.Errorf("process group out of step: expected sequence %d for %s, got %d",
			seq, kind, msg.Seq)
	}
	return nil
}

// combine folds the per-rank contributions of one collective, on rank 0.
func combine(kind string, gathered []*message) (*message, error) {
	switch kind {
	case "barrier":
		return &message{}, nil

	case "broadcast":
		return &message{Bytes: gathered[0].Bytes}, nil

	case "allgather":
		parts := make([][]byte, len(gathered))
		for rank, msg := range gathered {
			parts[rank] = msg.Bytes
		}
		return &message{Parts: parts}, nil
	}

	// All-reduce variants.
	n := len(gathered[0].Floats)
	for rank, msg := range gathered {
		if len(msg.Floats) != n {
			return nil, errors.Errorf("all-reduce length mismatch: rank 0 has %d values, rank %d has %d",
				n, rank, len(msg.Floats))
		}
	}
	result := make([]float32, n)
	copy(result, gathered[0].Floats)
	switch kind {
	case "allreduce/" + ReduceSum.String(), "allreduce/" + ReduceMean.String():
		for _, msg := range gathered[1:] {
			for ii, v := range msg.Floats {
				result[ii] += v
			}
		}
		if kind == "allreduce/"+ReduceMean.String() {
			scale := float32(1) / float32(len(gathered))
			for ii := range result {
				result[ii] *= scale
			}
		}
	case "allreduce/" + ReduceMax.String():
		for _, msg := range gathered[1:] {
			for ii, v := range msg.Floats {
				if v > result[ii] {
					result[ii] = v
				}
			}
		}
	default:
		return nil, errors.Errorf("unknown collective %q", kind)
	}
	return &message{Floats: result}, nil
}
