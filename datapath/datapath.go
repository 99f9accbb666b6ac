// Package datapath wires the three long-running concurrent activities —
// tap-to-net, net-to-tap, and retransmit — around the shared UDP socket,
// peer cell, reliability ledger, sequence counter, and AEAD sealer.
package datapath

import (
	"context"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ghostmoto/compression"
	"ghostmoto/crypto"
	"ghostmoto/obfuscation"
	"ghostmoto/protocol"
	"ghostmoto/reliability"
	"ghostmoto/telemetry"
)

// Tap is the narrow tap-device interface the orchestrator needs.
type Tap interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Socket is the narrow UDP interface the orchestrator needs; *net.UDPConn
// satisfies it. Tests substitute a decorator to simulate loss.
type Socket interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
}

// Config bundles the tunable knobs that differ per deployment; the
// underlying algorithms never change.
type Config struct {
	Window            int
	RTO               time.Duration
	MaxRetries        int
	StrictRoam        bool
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the tunnel's baseline defaults (window 50, RTO
// 200ms).
func DefaultConfig() Config {
	return Config{
		Window:            50,
		RTO:               200 * time.Millisecond,
		MaxRetries:        20,
		HeartbeatInterval: 5 * time.Second,
	}
}

// Orchestrator owns every piece of state shared by the three activities.
type Orchestrator struct {
	tap    Tap
	conn   Socket
	sealer *crypto.Sealer
	ledger *reliability.Ledger
	peer   *PeerCell
	bus    *telemetry.Bus
	logger *zap.Logger
	rng    *rand.Rand
	cfg    Config

	seq      uint64
	lastSend int64 // unix nanos, accessed atomically
}

// New assembles an Orchestrator from its collaborators.
func New(tap Tap, conn Socket, sealer *crypto.Sealer, peer *PeerCell, bus *telemetry.Bus, logger *zap.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		tap:    tap,
		conn:   conn,
		sealer: sealer,
		ledger: reliability.New(cfg.Window),
		peer:   peer,
		bus:    bus,
		logger: logger,
		rng:    obfuscation.NewSource(),
		cfg:    cfg,
	}
}

// SendDecoy fires the one-shot obfuscation decoy at addr, best-effort. It is
// meant to be called once at process bring-up, before the three activities
// start, if an initial peer is known.
func (o *Orchestrator) SendDecoy(addr *net.UDPAddr) {
	payload, err := obfuscation.Decoy(o.rng)
	if err != nil {
		o.bus.Logf("OBFS::DecoyErr: %v", err)
		return
	}
	if _, err := o.conn.WriteToUDP(payload, addr); err != nil {
		o.bus.Logf("OBFS::DecoySendErr: %v", err)
		return
	}
	o.bus.Logf("OBFS: deployed decoy ClientHello to %s", addr)
}

// RunTX is the tap-to-net activity: it reads plaintext packets off the tap,
// jitters, compresses, seals, frames, and ships them to the current peer.
func (o *Orchestrator) RunTX(ctx context.Context) {
	buf := make([]byte, protocol.MaxFrameSize)
	for {
		if ctx.Err() != nil {
			return
		}
		if o.ledger.Full() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}

		n, err := o.tap.Read(buf)
		if err != nil {
			o.logger.Error("tap read failed", zap.Error(err))
			o.bus.Logf("TUN::ReadErr: %v", err)
			time.Sleep(10 * time.Millisecond)
			return
		}
		if n == 0 {
			o.logger.Info("tap interface went down, stopping tx activity")
			return
		}

		target := o.peer.Get()
		if target == nil {
			continue
		}

		obfuscation.Jitter(o.rng)

		compressed := compression.Compress(buf[:n])
		sealed, err := o.sealer.Seal(compressed)
		if err != nil {
			o.bus.Logf("AEAD::SealErr: %v", err)
			continue
		}

		seq := atomic.AddUint64(&o.seq, 1)
		encoded, err := protocol.Encode(protocol.NewTransport(seq, sealed))
		if err != nil {
			o.bus.Logf("CODEC::EncodeErr: %v", err)
			continue
		}

		// Insert before the send so an immediate Ack can never race the
		// entry's own creation.
		o.ledger.Insert(seq, encoded, time.Now())

		if _, err := o.conn.WriteToUDP(encoded, target); err != nil {
			o.logger.Warn("udp send failed", zap.Uint64("seq", seq), zap.Error(err))
			o.bus.Logf("UDP::SendErr: %v", err)
			continue
		}
		atomic.StoreInt64(&o.lastSend, time.Now().UnixNano())
		o.bus.Throughput(uint64(n), 0)
	}
}

// RunRX is the net-to-tap activity: it drains the UDP socket, tracks peer
// roaming, and dispatches decoded frames by kind.
func (o *Orchestrator) RunRX(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			return
		}
		n, src, err := o.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Warn("udp recv failed", zap.Error(err))
			o.bus.Logf("UDP::RecvErr: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if !o.cfg.StrictRoam {
			o.roam(src)
		}

		frame, err := protocol.Decode(buf[:n])
		if err != nil {
			continue // silent drop: malformed datagram (e.g. the decoy)
		}

		switch frame.Header.Kind {
		case protocol.KindTransport:
			o.handleTransport(frame, src, n)
		case protocol.KindAck:
			o.ledger.Remove(frame.Header.AckNum)
		case protocol.KindHeartbeat, protocol.KindHandshake:
			// reserved, no-op
		}
	}
}

func (o *Orchestrator) handleTransport(frame protocol.Frame, src *net.UDPAddr, datagramSize int) {
	// Ack immediately, best-effort, regardless of whether decryption below
	// succeeds: the sender only needs to know the datagram arrived.
	if ackEncoded, err := protocol.Encode(protocol.NewAck(frame.Header.Seq)); err == nil {
		_, _ = o.conn.WriteToUDP(ackEncoded, src)
	}

	plain, err := o.sealer.Open(frame.Payload)
	if err != nil {
		// Silent drop: never surfaced, to avoid a decryption oracle.
		return
	}

	if o.cfg.StrictRoam {
		o.roam(src)
	}

	decompressed, err := compression.Decompress(plain)
	if err != nil {
		return
	}

	if _, err := o.tap.Write(decompressed); err != nil {
		o.logger.Warn("tap write failed", zap.Error(err))
		return
	}
	o.bus.Throughput(0, uint64(datagramSize))
}

func (o *Orchestrator) roam(src *net.UDPAddr) {
	if o.peer.Roam(src) {
		o.logger.Info("peer roamed", zap.String("addr", src.String()))
		o.bus.Logf("NET: peer roamed to %s", src)
	}
}

// RunRetransmit is the retransmit activity: it periodically sweeps the
// ledger for RTO-aged entries and resends or evicts them.
func (o *Orchestrator) RunRetransmit(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			candidates, evicted := o.ledger.Sweep(time.Now(), o.cfg.RTO, o.cfg.MaxRetries)
			for _, seq := range evicted {
				o.bus.Logf("RTX: dropped seq %d after max retries", seq)
			}
			if len(candidates) == 0 {
				continue
			}
			target := o.peer.Get()
			if target == nil {
				continue
			}
			for _, c := range candidates {
				if _, err := o.conn.WriteToUDP(c.Encoded, target); err != nil {
					o.bus.Logf("RTX::Err: %v", err)
					continue
				}
				o.ledger.Touch(c.Seq, time.Now())
			}
		}
	}
}

// RunHeartbeat keeps NAT mappings warm by emitting a reserved Heartbeat
// frame whenever no Transport frame has gone out for a whole interval.
// Receivers ignore Heartbeat frames unconditionally.
func (o *Orchestrator) RunHeartbeat(ctx context.Context) {
	if o.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			target := o.peer.Get()
			if target == nil {
				continue
			}
			last := atomic.LoadInt64(&o.lastSend)
			if last != 0 && time.Since(time.Unix(0, last)) < o.cfg.HeartbeatInterval {
				continue
			}
			encoded, err := protocol.Encode(protocol.NewHeartbeat(0))
			if err != nil {
				continue
			}
			if _, err := o.conn.WriteToUDP(encoded, target); err != nil {
				o.bus.Logf("HEARTBEAT::Err: %v", err)
			}
		}
	}
}

// Ledger exposes the in-flight table for tests and diagnostics.
func (o *Orchestrator) Ledger() *reliability.Ledger { return o.ledger }
