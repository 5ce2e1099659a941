// Package heightmap holds the height-sample payloads served for terrain tiles
// and their wire encoding.
//
// A tile body is a 4-byte header (little-endian uint16 width, uint16 depth)
// followed by width*depth samples, row-major by z. Fine tiles carry float32
// heights; coarse tiles carry packed uint16 heights (see DecodeHeight).
package heightmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

const headerSize = 4

// MaxBodySize is the largest tile body accepted: an 8192x8192 fine tile.
const MaxBodySize = headerSize + 8192*8192*4

var ErrMalformed = errors.New("malformed height tile")

// DecodeHeight unpacks a 16-bit coarse sample: values at or above 32768 are
// negative heights stored as 65535 - |h|.
func DecodeHeight(h uint16) float64 {
	if h >= 32768 {
		return -float64(65535 - int(h))
	}
	return float64(h)
}

// EncodeHeight is the inverse of DecodeHeight for heights in [-32767, 32767].
func EncodeHeight(h int) uint16 {
	if h < 0 {
		return uint16(65535 + h)
	}
	return uint16(h)
}

// Fine is a fine-tier payload of float32 heights.
type Fine struct {
	mu      sync.RWMutex
	width   int
	depth   int
	samples []float32
}

func NewFine(width, depth int, samples []float32) (*Fine, error) {
	if width <= 0 || depth <= 0 || len(samples) != width*depth {
		return nil, fmt.Errorf("%w: %dx%d with %d samples", ErrMalformed, width, depth, len(samples))
	}
	return &Fine{width: width, depth: depth, samples: samples}, nil
}

// HeightAt samples the tile at local position (u, v) in [0,1).
func (f *Fine) HeightAt(u, v float64) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.samples == nil {
		return 0, false
	}
	return float64(f.samples[sampleIndex(u, v, f.width, f.depth)]), true
}

func (f *Fine) Dispose() {
	f.mu.Lock()
	f.samples = nil
	f.mu.Unlock()
}

func (f *Fine) Disposed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.samples == nil
}

// Packed is a coarse-tier payload of packed 16-bit heights.
type Packed struct {
	mu      sync.RWMutex
	width   int
	depth   int
	samples []uint16
}

func NewPacked(width, depth int, samples []uint16) (*Packed, error) {
	if width <= 0 || depth <= 0 || len(samples) != width*depth {
		return nil, fmt.Errorf("%w: %dx%d with %d samples", ErrMalformed, width, depth, len(samples))
	}
	return &Packed{width: width, depth: depth, samples: samples}, nil
}

func (p *Packed) HeightAt(u, v float64) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.samples == nil {
		return 0, false
	}
	return DecodeHeight(p.samples[sampleIndex(u, v, p.width, p.depth)]), true
}

func (p *Packed) Dispose() {
	p.mu.Lock()
	p.samples = nil
	p.mu.Unlock()
}

func (p *Packed) Disposed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.samples == nil
}

func DecodeFine(body []byte) (*Fine, error) {
	w, d, data, err := splitHeader(body, 4)
	if err != nil {
		return nil, err
	}
	samples := make([]float32, w*d)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return NewFine(w, d, samples)
}

func DecodePacked(body []byte) (*Packed, error) {
	w, d, data, err := splitHeader(body, 2)
	if err != nil {
		return nil, err
	}
	samples := make([]uint16, w*d)
	for i := range samples {
		samples[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return NewPacked(w, d, samples)
}

func EncodeFine(width, depth int, samples []float32) []byte {
	out := make([]byte, headerSize+len(samples)*4)
	putHeader(out, width, depth)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[headerSize+i*4:], math.Float32bits(s))
	}
	return out
}

func EncodePacked(width, depth int, samples []uint16) []byte {
	out := make([]byte, headerSize+len(samples)*2)
	putHeader(out, width, depth)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[headerSize+i*2:], s)
	}
	return out
}

func putHeader(out []byte, width, depth int) {
	binary.LittleEndian.PutUint16(out[0:], uint16(width))
	binary.LittleEndian.PutUint16(out[2:], uint16(depth))
}

func splitHeader(body []byte, sampleSize int) (int, int, []byte, error) {
	if len(body) < headerSize {
		return 0, 0, nil, fmt.Errorf("%w: %d byte body", ErrMalformed, len(body))
	}
	w := int(binary.LittleEndian.Uint16(body[0:]))
	d := int(binary.LittleEndian.Uint16(body[2:]))
	data := body[headerSize:]
	if w == 0 || d == 0 || len(data) != w*d*sampleSize {
		return 0, 0, nil, fmt.Errorf("%w: %dx%d header with %d data bytes", ErrMalformed, w, d, len(data))
	}
	return w, d, data, nil
}

func sampleIndex(u, v float64, width, depth int) int {
	ix := clampIndex(int(math.Floor(u*float64(width))), width)
	iz := clampIndex(int(math.Floor(v*float64(depth))), depth)
	return iz*width + ix
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
