package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

// ResampleMono16 resamples s16le mono PCM from srcRate to dstRate by linear
// interpolation. Equal rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || srcRate <= 0 || dstRate <= 0 || len(pcm) < BytesPerSample {
		return pcm
	}
	n := len(pcm) / BytesPerSample
	outN := int(int64(n) * int64(dstRate) / int64(srcRate))
	if outN == 0 {
		return nil
	}

	out := make([]byte, outN*BytesPerSample)
	step := float64(srcRate) / float64(dstRate)
	for i := range outN {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)

		a := sampleAt(pcm, idx)
		b := a
		if idx+1 < n {
			b = sampleAt(pcm, idx+1)
		}
		v := int16(float64(a)*(1-frac) + float64(b)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// ToFloat32 converts s16le PCM to float32 samples in [-1, 1). A trailing odd
// byte is ignored.
func ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(sampleAt(pcm, i)) / 32768.0
	}
	return out
}

// RMS returns the root-mean-square energy of s16le PCM in sample units.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(sampleAt(pcm, i))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// DurationMs returns the length of s16le mono PCM in milliseconds.
func DurationMs(pcm []byte, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return len(pcm) * 1000 / (sampleRate * BytesPerSample)
}

// EncodeWAV wraps s16le PCM in a 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bits = 16
	size := len(pcm)
	buf := make([]byte, 44+size)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+size))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*channels*bits/8))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*bits/8))
	binary.LittleEndian.PutUint16(buf[34:36], bits)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(size))
	copy(buf[44:], pcm)
	return buf
}

// WAV is a decoded RIFF/WAVE container.
type WAV struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// ParseWAV walks the RIFF chunks of wav and returns the format and sample
// data. The data chunk is clamped to the buffer when its declared size runs
// past the end, which streaming encoders commonly do.
func ParseWAV(wav []byte) (WAV, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return WAV{}, errors.New("audio: not a RIFF/WAVE container")
	}

	var (
		out    WAV
		hasFmt bool
	)
	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(wav) {
				return WAV{}, errors.New("audio: truncated fmt chunk")
			}
			if format := binary.LittleEndian.Uint16(wav[body : body+2]); format != 1 {
				return WAV{}, errors.New("audio: only PCM WAV is supported")
			}
			out.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			out.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			hasFmt = true
		case "data":
			if !hasFmt {
				return WAV{}, errors.New("audio: data chunk before fmt chunk")
			}
			end := min(body+size, len(wav))
			out.PCM = wav[body:end]
			return out, nil
		}

		off = body + size
		if size%2 != 0 {
			off++
		}
	}
	return WAV{}, errors.New("audio: missing data chunk")
}

// DownmixMono16 averages interleaved s16le channels into one.
func DownmixMono16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (BytesPerSample * channels)
	out := make([]byte, frames*BytesPerSample)
	for i := range frames {
		var sum int
		for c := range channels {
			sum += int(sampleAt(pcm, i*channels+c))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/channels)))
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
}
