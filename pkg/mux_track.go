package pkg

import (
	"container/heap"

	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/util"
)

// reorderWindow bounds how many packets a track holds back while deriving
// decode timestamps for codecs with frame reordering.
const reorderWindow = 16

type (
	// MuxSample is a packet with its decode timing settled, in track ticks.
	MuxSample struct {
		*Packet
		DTS      int64
		PTS      int64
		Duration int64
	}

	ptsHeap []int64

	// MuxTrack turns packets arriving in decode order with presentation
	// timestamps into samples with strictly increasing decode timestamps and
	// known durations. Each sample is held until the next decode timestamp is
	// known, so its duration is exact.
	MuxTrack struct {
		*TrackInfo
		reorder bool
		// StartDTS is the decode timestamp of the first sample.
		StartDTS int64
		queue    []*Packet
		pts      ptsHeap
		held     *MuxSample
		lastDTS  int64
		lastDur  int64
		count    int
	}
)

func (h ptsHeap) Len() int           { return len(h) }
func (h ptsHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h ptsHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *ptsHeap) Push(x any)        { *h = append(*h, x.(int64)) }
func (h *ptsHeap) Pop() any {
	old := *h
	v := old[len(old)-1]
	*h = old[:len(old)-1]
	return v
}

func NewMuxTrack(info *TrackInfo) *MuxTrack {
	return &MuxTrack{
		TrackInfo: info,
		reorder:   info.Codec == codec.FourCC_H264 || info.Codec == codec.FourCC_H265,
	}
}

func (t *MuxTrack) ticks(p *Packet) int64 {
	return util.DurationToTicks(p.Timestamp, t.Timescale)
}

// Push adds a packet and returns the samples whose timing became final.
func (t *MuxTrack) Push(p *Packet) (ready []MuxSample) {
	if !t.reorder {
		return t.settle(p, t.ticks(p), ready)
	}
	// the i-th packet in decode order gets the i-th smallest presentation
	// timestamp; a key frame starts a new group
	if p.IsKey() {
		ready = t.drain(ready)
	}
	t.queue = append(t.queue, p)
	heap.Push(&t.pts, t.ticks(p))
	if len(t.queue) > reorderWindow {
		ready = t.pop(ready)
	}
	return
}

func (t *MuxTrack) pop(ready []MuxSample) []MuxSample {
	p := t.queue[0]
	t.queue = t.queue[1:]
	return t.settle(p, heap.Pop(&t.pts).(int64), ready)
}

func (t *MuxTrack) drain(ready []MuxSample) []MuxSample {
	for len(t.queue) > 0 {
		ready = t.pop(ready)
	}
	return ready
}

func (t *MuxTrack) settle(p *Packet, dts int64, ready []MuxSample) []MuxSample {
	if t.count > 0 {
		dts = max(dts, t.lastDTS+1)
	} else {
		t.StartDTS = dts
	}
	t.count++
	t.lastDTS = dts
	if t.held != nil {
		t.held.Duration = dts - t.held.DTS
		t.lastDur = t.held.Duration
		ready = append(ready, *t.held)
	}
	t.held = &MuxSample{Packet: p, DTS: dts, PTS: t.ticks(p)}
	return ready
}

// Flush releases everything still held. The last sample's duration comes
// from the packet, or repeats the previous one.
func (t *MuxTrack) Flush() (ready []MuxSample) {
	ready = t.drain(ready)
	if t.held != nil {
		s := *t.held
		t.held = nil
		if d := util.DurationToTicks(s.Packet.Duration, t.Timescale); d > 0 {
			s.Duration = d
		} else {
			s.Duration = t.lastDur
		}
		ready = append(ready, s)
	}
	return
}

// CompositionOffset is PTS minus DTS, negative when reordering needed more
// delay than the first frame allowed.
func (s *MuxSample) CompositionOffset() int64 {
	return s.PTS - s.DTS
}
