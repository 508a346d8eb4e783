// Package audio holds the small amount of PCM handling the probe tool needs:
// WAV containers, G.711 mu-law and telephony-rate framing.
package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// TelephonySampleRate is the fixed rate of a media stream.
const TelephonySampleRate = 8000

var ErrUnsupportedWAV = errors.New("unsupported wav")

// EncodeWAVPCM16LE wraps mono PCM16LE samples in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LEFile writes mono PCM16LE samples to path as a WAV file.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAVPCM16LETo(f, pcm, sampleRate); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	FmtID         [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataID        [4]byte
	DataSize      uint32
}

// WriteWAVPCM16LETo writes mono PCM16LE samples to out as a WAV stream.
// A non-positive rate means telephony rate.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = TelephonySampleRate
	}
	dataSize := uint32(len(pcm))
	hdr := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		FmtID:         [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * 2),
		BlockAlign:    2,
		BitsPerSample: 16,
		DataID:        [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}

	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAVPCM16 extracts 16-bit PCM from a RIFF/WAVE file. Multi-channel
// input is averaged down to mono.
func DecodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%w: missing RIFF/WAVE header", ErrUnsupportedWAV)
	}

	var (
		haveFmt    bool
		format     uint16
		channels   int
		sampleRate int
		bits       uint16
		samples    []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("%w: chunk %q overruns file", ErrUnsupportedWAV, id)
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedWAV)
			}
			format = binary.LittleEndian.Uint16(chunk[0:2])
			channels = int(binary.LittleEndian.Uint16(chunk[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bits = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			samples = chunk
		}
		// chunks are word aligned
		off += size + size%2
	}
	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("%w: fmt chunk missing", ErrUnsupportedWAV)
	case len(samples) == 0:
		return nil, 0, fmt.Errorf("%w: data chunk missing", ErrUnsupportedWAV)
	case format != 1:
		return nil, 0, fmt.Errorf("%w: audio format %d", ErrUnsupportedWAV, format)
	case bits != 16:
		return nil, 0, fmt.Errorf("%w: %d bits per sample", ErrUnsupportedWAV, bits)
	case channels == 0:
		return nil, 0, fmt.Errorf("%w: zero channels", ErrUnsupportedWAV)
	}
	if sampleRate <= 0 {
		sampleRate = TelephonySampleRate
	}

	frameBytes := channels * 2
	frames := len(samples) / frameBytes
	if frames == 0 {
		return nil, 0, fmt.Errorf("%w: no complete frames", ErrUnsupportedWAV)
	}
	mono := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < channels; ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(samples[base+ch*2:])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/channels)))
	}
	return mono, sampleRate, nil
}
