// Package obfuscation shapes the send path so a passive observer cannot
// trivially fingerprint the tunnel's traffic: per-packet timing jitter and a
// one-shot TLS-ClientHello-shaped decoy sent before any real traffic.
package obfuscation

import (
	crand "crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"time"
)

// jitterCeilingMicros bounds the uniformly-random per-send delay.
const jitterCeilingMicros = 15000

// decoyMinLen and decoyMaxLen bound the random trailing section of the
// decoy ClientHello payload (exclusive upper bound).
const (
	decoyMinLen = 85
	decoyMaxLen = 300
)

var clientHelloPrefix = [3]byte{0x16, 0x03, 0x01}

// Source is the narrow slice of *math/rand.Rand that jitter needs, so tests
// can inject a deterministic source instead of the shared global one.
type Source interface {
	Int63n(n int64) int64
}

// NewSource returns a process-seeded, non-cryptographic PRNG suitable for
// jitter and decoy-length draws. A fresh source per socket avoids lock
// contention on the global math/rand source under concurrent sends.
func NewSource() *mrand.Rand {
	return mrand.New(mrand.NewSource(time.Now().UnixNano()))
}

// JitterDuration draws a uniformly random delay in [0, 15000) microseconds.
// A non-cryptographic PRNG is intentional: this value only needs to flatten
// an inter-arrival-time histogram, not resist prediction.
func JitterDuration(r Source) time.Duration {
	return time.Duration(r.Int63n(jitterCeilingMicros)) * time.Microsecond
}

// Jitter suspends the caller for a freshly drawn jitter delay.
func Jitter(r Source) {
	time.Sleep(JitterDuration(r))
}

// Decoy produces a synthetic payload beginning with the TLS 1.0
// record-layer handshake prefix, followed by a 16-bit big-endian length and
// that many bytes of cryptographically random filler. It is sent once,
// unencrypted, and is expected to fail wire-codec decode at the peer.
func Decoy(r Source) ([]byte, error) {
	n := decoyMinLen + int(r.Int63n(decoyMaxLen-decoyMinLen))

	packet := make([]byte, 0, 3+2+n)
	packet = append(packet, clientHelloPrefix[:]...)

	var lenField [2]byte
	binary.BigEndian.PutUint16(lenField[:], uint16(n))
	packet = append(packet, lenField[:]...)

	filler := make([]byte, n)
	if _, err := crand.Read(filler); err != nil {
		return nil, err
	}
	return append(packet, filler...), nil
}
