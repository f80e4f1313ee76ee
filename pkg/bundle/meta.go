package bundle

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ID identifies a bundle for deduplication: the source endpoint plus
// the creation timestamp and a per-source sequence number. Comparable,
// usable as a map key.
type ID struct {
	Source    EID    `cbor:"1,keyasint"`
	Timestamp uint64 `cbor:"2,keyasint"` // creation time, unix milliseconds
	Sequence  uint64 `cbor:"3,keyasint"`
}

func (id ID) IsZero() bool { return id == ID{} }

func (id ID) String() string {
	return fmt.Sprintf("%d %d %s", id.Timestamp, id.Sequence, id.Source)
}

// Meta is the lightweight bundle descriptor routing works with. The
// payload stays in storage; Meta is copied by value.
type Meta struct {
	ID          ID            `cbor:"1,keyasint"`
	Destination EID           `cbor:"2,keyasint"`
	Singleton   bool          `cbor:"3,keyasint"` // destination is a single definite recipient
	Hopcount    uint32        `cbor:"4,keyasint"` // remaining permitted forwards
	Lifetime    time.Duration `cbor:"5,keyasint"`
	Received    time.Time     `cbor:"6,keyasint"`
	PayloadLen  int           `cbor:"7,keyasint"`
}

// ExpiresAt returns the instant the bundle's lifetime runs out.
func (m Meta) ExpiresAt() time.Time { return m.Received.Add(m.Lifetime) }

// Expired reports whether the bundle should no longer be kept or forwarded.
func (m Meta) Expired(now time.Time) bool { return !now.Before(m.ExpiresAt()) }

// Bundle is a descriptor together with its payload.
type Bundle struct {
	Meta    `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
}

const (
	DefaultLifetime = time.Hour
	DefaultHopcount = 32
)

var seq atomic.Uint64

// New assembles a bundle originating at source. The ID is derived from
// the wall clock and a process-wide sequence counter.
func New(source, dest EID, payload []byte) Bundle {
	now := time.Now()
	return Bundle{
		Meta: Meta{
			ID: ID{
				Source:    source,
				Timestamp: uint64(now.UnixMilli()),
				Sequence:  seq.Add(1),
			},
			Destination: dest,
			Singleton:   true,
			Hopcount:    DefaultHopcount,
			Lifetime:    DefaultLifetime,
			Received:    now,
			PayloadLen:  len(payload),
		},
		Payload: payload,
	}
}
