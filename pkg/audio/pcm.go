// Package audio holds helpers for 16-bit signed little-endian PCM, the only
// sample format the speech pipeline handles.
//
// Browsers capture at 44.1 or 48 kHz, often in stereo, while the recognizers
// want 16 kHz mono. [Convert] bridges the two; [RMS], [Levels] and
// [EncodeWAV] serve voice activity detection, the input meter and batch
// transcription respectively.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMisaligned is returned for PCM buffers with an odd byte count.
var ErrMisaligned = errors.New("audio: PCM data is not aligned to 16-bit samples")

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// Speech is the format recognizers expect: 16 kHz mono.
var Speech = Format{SampleRate: 16000, Channels: 1}

// Valid reports whether f can describe a PCM stream this package handles.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && (f.Channels == 1 || f.Channels == 2)
}

// BytesPerSecond returns the PCM byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns how long n bytes of PCM in format f play for.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// Convert returns pcm re-encoded from format from to format to. Channels are
// reduced before resampling so stereo input is only resampled once. When the
// formats already match, pcm is returned as is.
func Convert(pcm []byte, from, to Format) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrMisaligned
	}
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("audio: cannot convert %s to %s", from, to)
	}
	if from == to {
		return pcm, nil
	}
	if from.Channels == 2 && to.Channels == 1 {
		pcm = StereoToMono(pcm)
	}
	if from.SampleRate != to.SampleRate {
		pcm = resample(pcm, min(from.Channels, to.Channels), from.SampleRate, to.SampleRate)
	}
	if from.Channels == 1 && to.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}
	return pcm, nil
}

func sample(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
}

// MonoToStereo copies every sample into both channels.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		v := sample(pcm, i)
		putSample(out, 2*i, v)
		putSample(out, 2*i+1, v)
	}
	return out
}

// StereoToMono averages the left and right channel of every frame.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		avg := (int32(sample(pcm, 2*i)) + int32(sample(pcm, 2*i+1))) / 2
		putSample(out, i, int16(avg))
	}
	return out
}

// resample converts interleaved PCM with the given channel count from srcRate
// to dstRate by linear interpolation.
func resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(sample(pcm, idx*channels+ch))
			s1 := float64(sample(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0+(s1-s0)*frac))
		}
	}
	return out
}

// RMS returns the root-mean-square amplitude of pcm in sample units
// (0 to 32767). Buffers shorter than one sample yield 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(sample(pcm, i))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Levels splits pcm into bins equal slices and returns the loudness of each
// slice scaled to 0..255, the range a browser analyser node reports. Returns
// nil when bins is not positive or pcm holds fewer samples than bins.
func Levels(pcm []byte, bins int) []uint8 {
	n := len(pcm) / 2
	if bins <= 0 || n < bins {
		return nil
	}
	out := make([]uint8, bins)
	per := n / bins
	for b := range bins {
		seg := pcm[b*per*2 : (b+1)*per*2]
		// Full scale speech rarely exceeds half of the int16 range.
		v := RMS(seg) / 16384 * 255
		out[b] = uint8(min(255, math.Round(v)))
	}
	return out
}

// EncodeWAV wraps mono or stereo PCM in a canonical 44-byte RIFF header.
func EncodeWAV(pcm []byte, f Format) []byte {
	const header = 44
	buf := make([]byte, header+len(pcm))
	le := binary.LittleEndian

	copy(buf[0:], "RIFF")
	le.PutUint32(buf[4:], uint32(header-8+len(pcm)))
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	le.PutUint32(buf[16:], 16)
	le.PutUint16(buf[20:], 1) // linear PCM
	le.PutUint16(buf[22:], uint16(f.Channels))
	le.PutUint32(buf[24:], uint32(f.SampleRate))
	le.PutUint32(buf[28:], uint32(f.BytesPerSecond()))
	le.PutUint16(buf[32:], uint16(f.Channels*2))
	le.PutUint16(buf[34:], 16)
	copy(buf[36:], "data")
	le.PutUint32(buf[40:], uint32(len(pcm)))
	copy(buf[header:], pcm)
	return buf
}

// DecodeWAV returns the PCM payload and format of a 16-bit linear PCM WAV
// file. Chunks other than "fmt " and "data" are skipped. A data chunk whose
// declared size runs past the end of b, as streaming servers write it, is
// read to the end.
func DecodeWAV(b []byte) ([]byte, Format, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, Format{}, errors.New("audio: not a RIFF/WAVE file")
	}
	le := binary.LittleEndian
	var (
		f      Format
		gotFmt bool
	)
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := int(le.Uint32(b[off+4:]))
		body := off + 8
		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(b) {
				return nil, Format{}, errors.New("audio: short fmt chunk")
			}
			if tag := le.Uint16(b[body:]); tag != 1 {
				return nil, Format{}, fmt.Errorf("audio: unsupported WAV encoding %d", tag)
			}
			if bits := le.Uint16(b[body+14:]); bits != 16 {
				return nil, Format{}, fmt.Errorf("audio: unsupported bit depth %d", bits)
			}
			f = Format{Channels: int(le.Uint16(b[body+2:])), SampleRate: int(le.Uint32(b[body+4:]))}
			gotFmt = true
		case "data":
			if !gotFmt {
				return nil, Format{}, errors.New("audio: data chunk before fmt chunk")
			}
			end := body + size
			if size < 0 || end > len(b) {
				end = len(b)
			}
			pcm := b[body:end]
			return pcm[:len(pcm)&^1], f, nil
		}
		off = body + size + size%2
	}
	return nil, Format{}, errors.New("audio: WAV file has no data chunk")
}
