package pkg

import (
	"fmt"
	"time"
)

type PacketType uint8

const (
	PacketKey PacketType = iota
	PacketDelta
)

func (t PacketType) String() string {
	if t == PacketKey {
		return "key"
	}
	return "delta"
}

// Origin says where a demuxed packet came from. SampleIndex is set for
// tracks backed by a monolithic index, FragmentOffset and LocalIndex for
// fragment or cluster backed tracks. Unused fields are -1.
type Origin struct {
	SampleIndex    int
	FragmentOffset int64
	LocalIndex     int
}

func SampleOrigin(i int) Origin {
	return Origin{SampleIndex: i, FragmentOffset: -1, LocalIndex: -1}
}

func FragmentOrigin(offset int64, local int) Origin {
	return Origin{SampleIndex: -1, FragmentOffset: offset, LocalIndex: local}
}

type Packet struct {
	// Data is nil for metadata-only packets.
	Data      []byte
	Type      PacketType
	Timestamp time.Duration
	Duration  time.Duration
	// SequenceNumber orders packets of one track in decode order.
	SequenceNumber int64
	ByteSize       int
	Origin         Origin
}

func NewPacket(data []byte, key bool, ts, duration time.Duration) *Packet {
	p := &Packet{
		Data:      data,
		Type:      PacketDelta,
		Timestamp: ts,
		Duration:  duration,
		ByteSize:  len(data),
		Origin:    Origin{SampleIndex: -1, FragmentOffset: -1, LocalIndex: -1},
	}
	if key {
		p.Type = PacketKey
	}
	return p
}

func (p *Packet) IsKey() bool {
	return p.Type == PacketKey
}

func (p *Packet) IsMetadataOnly() bool {
	return p.Data == nil && p.ByteSize > 0
}

func (p *Packet) End() time.Duration {
	return p.Timestamp + p.Duration
}

// Clone copies the payload so the result outlives cache eviction.
func (p *Packet) Clone() *Packet {
	c := *p
	if p.Data != nil {
		c.Data = append([]byte(nil), p.Data...)
	}
	return &c
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s ts=%s dur=%s size=%d seq=%d", p.Type, p.Timestamp, p.Duration, p.ByteSize, p.SequenceNumber)
}
