package audio

import (
	"encoding/binary"
	"math/bits"
)

// G.711 mu-law constants.
const (
	muLawBias = 0x84
	muLawClip = 32635
)

// MuLawSilence is the encoding of a zero sample.
const MuLawSilence byte = 0xFF

// EncodeMuLawSample compresses one linear sample.
func EncodeMuLawSample(sample int16) byte {
	v := int32(sample)
	var sign byte
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias

	exponent := bits.Len32(uint32(v>>7)) - 1
	mantissa := byte(v>>(exponent+3)) & 0x0F
	return ^(sign | byte(exponent)<<4 | mantissa)
}

// DecodeMuLawSample expands one mu-law byte.
func DecodeMuLawSample(b byte) int16 {
	u := ^b
	exponent := (u >> 4) & 0x07
	mantissa := int32(u & 0x0F)
	v := ((mantissa<<3)+muLawBias)<<exponent - muLawBias
	if u&0x80 != 0 {
		return int16(-v)
	}
	return int16(v)
}

// EncodeMuLaw converts PCM16LE bytes to mu-law. A trailing odd byte is ignored.
func EncodeMuLaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = EncodeMuLawSample(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// DecodeMuLaw converts mu-law bytes to PCM16LE.
func DecodeMuLaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(DecodeMuLawSample(b)))
	}
	return out
}
