package main

import (
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/neuroclass/ncc/internal/thinkgear"
)

// frameSource yields encoded packets. ok is false once the source is exhausted.
type frameSource interface {
	next() (packet []byte, ok bool)
}

// synthetic produces a bounded random walk of attention and relaxation with
// band powers, as a headset in good contact would.
type synthetic struct {
	rng        *rand.Rand
	attention  int
	relaxation int
}

func newSynthetic(seed uint64) *synthetic {
	return &synthetic{
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		attention:  50,
		relaxation: 50,
	}
}

func walk(rng *rand.Rand, v int) int {
	v += rng.IntN(21) - 10
	return min(max(v, 0), thinkgear.MaxESense)
}

func (s *synthetic) next() ([]byte, bool) {
	s.attention = walk(s.rng, s.attention)
	s.relaxation = walk(s.rng, s.relaxation)

	quality := uint8(0)
	attention := uint8(s.attention)
	relaxation := uint8(s.relaxation)
	bands := thinkgear.Bands{
		Delta:     s.rng.Uint32N(1 << 24),
		Theta:     s.rng.Uint32N(1 << 24),
		LowAlpha:  s.rng.Uint32N(1 << 22),
		HighAlpha: s.rng.Uint32N(1 << 22),
		LowBeta:   s.rng.Uint32N(1 << 21),
		HighBeta:  s.rng.Uint32N(1 << 21),
		LowGamma:  s.rng.Uint32N(1 << 20),
		MidGamma:  s.rng.Uint32N(1 << 20),
	}
	return thinkgear.Encode(thinkgear.Frame{
		SignalQuality: &quality,
		Attention:     &attention,
		Relaxation:    &relaxation,
		Bands:         &bands,
	}), true
}

// replay re-emits the valid packets of a captured byte stream, one per call.
type replay struct {
	packets [][]byte
	pos     int
	loop    bool
}

func newReplay(data []byte, loop bool) (*replay, error) {
	frames, _, st := thinkgear.Decode(data)
	if len(frames) == 0 {
		return nil, fmt.Errorf("no valid packets in capture (%d corrupt)", st.Corrupt())
	}
	packets := make([][]byte, len(frames))
	for i, f := range frames {
		packets[i] = thinkgear.Encode(f)
	}
	return &replay{packets: packets, loop: loop}, nil
}

func loadReplay(path string, loop bool) (*replay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capture: %w", err)
	}
	return newReplay(data, loop)
}

func (r *replay) next() ([]byte, bool) {
	if r.pos >= len(r.packets) {
		if !r.loop {
			return nil, false
		}
		r.pos = 0
	}
	p := r.packets[r.pos]
	r.pos++
	return p, true
}
