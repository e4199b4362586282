package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func pcmOf(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func samplesOf(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = sample(pcm, i)
	}
	return out
}

func TestConvert_SameFormatIsIdentity(t *testing.T) {
	t.Parallel()
	in := pcmOf(1, 2, 3)
	out, err := Convert(in, Speech, Speech)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in, out) {
		t.Errorf("Convert() = %v, want input unchanged", samplesOf(out))
	}
}

func TestConvert_Misaligned(t *testing.T) {
	t.Parallel()
	if _, err := Convert([]byte{1, 2, 3}, Format{48000, 2}, Speech); !errors.Is(err, ErrMisaligned) {
		t.Errorf("Convert(odd) err = %v, want ErrMisaligned", err)
	}
	if _, err := Convert(pcmOf(1), Format{16000, 3}, Speech); err == nil {
		t.Error("Convert(3 channels) err = nil, want error")
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	got := samplesOf(StereoToMono(pcmOf(100, 300, -32768, -32768, 32767, 32767)))
	want := []int16{200, -32768, 32767}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	got := samplesOf(MonoToStereo(pcmOf(5, -7)))
	want := []int16{5, 5, -7, -7}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestConvert_DownsampleStereo(t *testing.T) {
	t.Parallel()
	// 48 kHz stereo, 6 frames -> 16 kHz mono, 2 samples.
	in := pcmOf(30, 30, 60, 60, 90, 90, 120, 120, 150, 150, 180, 180)
	out, err := Convert(in, Format{48000, 2}, Speech)
	if err != nil {
		t.Fatal(err)
	}
	got := samplesOf(out)
	want := []int16{30, 120}
	if len(got) != len(want) {
		t.Fatalf("Convert() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestConvert_UpsampleInterpolates(t *testing.T) {
	t.Parallel()
	out, err := Convert(pcmOf(0, 100), Format{8000, 1}, Speech)
	if err != nil {
		t.Fatal(err)
	}
	got := samplesOf(out)
	want := []int16{0, 50, 100, 100}
	if len(got) != len(want) {
		t.Fatalf("Convert() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		pcm  []byte
		want float64
	}{
		{"empty", nil, 0},
		{"silence", pcmOf(0, 0, 0), 0},
		{"square", pcmOf(1000, -1000, 1000, -1000), 1000},
	}
	for _, tt := range tests {
		if got := RMS(tt.pcm); got != tt.want {
			t.Errorf("RMS(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLevels(t *testing.T) {
	t.Parallel()
	pcm := pcmOf(0, 0, 16384, -16384)
	got := Levels(pcm, 2)
	if len(got) != 2 || got[0] != 0 || got[1] != 255 {
		t.Errorf("Levels() = %v, want [0 255]", got)
	}
	if Levels(pcm, 0) != nil || Levels(pcm, 5) != nil {
		t.Error("Levels with invalid bin count returned data")
	}
}

func TestEncodeWAV(t *testing.T) {
	t.Parallel()
	pcm := pcmOf(1, 2, 3, 4)
	wav := EncodeWAV(pcm, Speech)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Error("missing RIFF markers")
	}
	if got := binary.LittleEndian.Uint32(wav[24:]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", got, len(pcm))
	}
	if !bytes.Equal(wav[44:], pcm) {
		t.Error("payload differs from input")
	}
}

func TestFormat_Duration(t *testing.T) {
	t.Parallel()
	if got := Speech.Duration(32000); got != time.Second {
		t.Errorf("Duration(32000) = %v, want 1s", got)
	}
	if got := (Format{}).Duration(10); got != 0 {
		t.Errorf("zero format Duration = %v, want 0", got)
	}
}

func TestDecodeWAV(t *testing.T) {
	t.Parallel()
	pcm := pcmOf(10, -10, 20)
	got, f, err := DecodeWAV(EncodeWAV(pcm, Format{22050, 1}))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if f != (Format{22050, 1}) {
		t.Errorf("format = %v, want 22050Hz mono", f)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm = %v, want %v", samplesOf(got), samplesOf(pcm))
	}
}

func TestDecodeWAV_StreamingSize(t *testing.T) {
	t.Parallel()
	wav := EncodeWAV(pcmOf(1, 2), Speech)
	binary.LittleEndian.PutUint32(wav[40:], 0xFFFFFFFF)
	got, _, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("len(pcm) = %d, want 4", len(got))
	}
}

func TestDecodeWAV_Invalid(t *testing.T) {
	t.Parallel()
	for name, b := range map[string][]byte{
		"empty":   nil,
		"not wav": []byte("ID3\x03 not a wav file at all"),
		"no data": EncodeWAV(nil, Speech)[:36],
	} {
		if _, _, err := DecodeWAV(b); err == nil {
			t.Errorf("DecodeWAV(%s) err = nil, want error", name)
		}
	}
}
