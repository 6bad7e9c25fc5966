package terrain

import (
	"encoding/binary"
	stdmath "math"
)

// floatsToBytes serializes float32s as little-endian, the layout GPU
// buffers and textures consume.
func floatsToBytes(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], stdmath.Float32bits(v))
	}
	return out
}

// uint32sToBytes serializes uint32s as little-endian.
func uint32sToBytes(values []uint32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

// normalsToRGBA8 packs unit normals (3 float32 per texel) into the
// RGBA8 texture layout, remapping each component from [-1,1] to [0,255]
// with full alpha.
func normalsToRGBA8(normals []float32) []byte {
	texels := len(normals) / 3
	out := make([]byte, texels*4)
	for i := 0; i < texels; i++ {
		for c := 0; c < 3; c++ {
			v := normals[i*3+c]*0.5 + 0.5
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			out[i*4+c] = byte(v * 255)
		}
		out[i*4+3] = 255
	}
	return out
}
