package audio

import (
	"encoding/binary"
	"time"
)

// FrameBytes is the size of one mu-law frame of d at telephony rate.
func FrameBytes(d time.Duration) int {
	n := int(d * TelephonySampleRate / time.Second)
	if n < 1 {
		n = 1
	}
	return n
}

// Frames splits ulaw into frames of size n. The last frame is padded with
// silence so every frame has the same duration.
func Frames(ulaw []byte, n int) [][]byte {
	if n <= 0 || len(ulaw) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(ulaw)+n-1)/n)
	for off := 0; off < len(ulaw); off += n {
		frame := make([]byte, n)
		copied := copy(frame, ulaw[off:])
		for i := copied; i < n; i++ {
			frame[i] = MuLawSilence
		}
		out = append(out, frame)
	}
	return out
}

// SilenceFrame returns one frame of n silent mu-law bytes.
func SilenceFrame(n int) []byte {
	frame := make([]byte, n)
	for i := range frame {
		frame[i] = MuLawSilence
	}
	return frame
}

// ResamplePCM16 converts mono PCM16LE between rates with linear interpolation.
func ResamplePCM16(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to || len(pcm) < 2 {
		return pcm
	}
	in := len(pcm) / 2
	outN := int(int64(in) * int64(to) / int64(from))
	if outN == 0 {
		return nil
	}
	sample := func(i int) float64 {
		if i >= in {
			i = in - 1
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	out := make([]byte, outN*2)
	step := float64(from) / float64(to)
	for i := 0; i < outN; i++ {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		v := sample(j)*(1-frac) + sample(j+1)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
