// Package energy is a VAD engine that thresholds the RMS amplitude of each
// frame. It needs no model and is good enough for a single close-talking
// microphone, which is what a learner at a browser has.
package energy

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/englishpro/pkg/audio"
	"github.com/MrWong99/englishpro/pkg/provider/vad"
)

const (
	defaultThreshold = 500.0
	defaultHangover  = 800 * time.Millisecond
	defaultMinSpeech = 60 * time.Millisecond
)

var _ vad.Engine = Engine{}

// Engine creates energy detectors. The zero value is ready to use.
type Engine struct{}

// NewDetector applies defaults to cfg and returns a detector for mono PCM.
func (Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.Speech.SampleRate
	}
	if cfg.SampleRate < 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.Threshold < 0 {
		return nil, errors.New("energy: threshold must not be negative")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.Hangover <= 0 {
		cfg.Hangover = defaultHangover
	}
	if cfg.MinSpeech <= 0 {
		cfg.MinSpeech = defaultMinSpeech
	}
	return &Detector{
		cfg:    cfg,
		format: audio.Format{SampleRate: cfg.SampleRate, Channels: 1},
	}, nil
}

// Detector implements [vad.Detector].
type Detector struct {
	cfg    vad.Config
	format audio.Format

	inSpeech bool
	voiced   time.Duration
	quiet    time.Duration
}

func (d *Detector) Process(frame []byte) (vad.Event, error) {
	if len(frame)%2 != 0 {
		return vad.Silence, audio.ErrMisaligned
	}
	dur := d.format.Duration(len(frame))
	loud := audio.RMS(frame) >= d.cfg.Threshold

	if !d.inSpeech {
		if !loud {
			d.voiced = 0
			return vad.Silence, nil
		}
		d.voiced += dur
		if d.voiced < d.cfg.MinSpeech {
			return vad.Silence, nil
		}
		d.inSpeech, d.quiet = true, 0
		return vad.SpeechStart, nil
	}

	if loud {
		d.quiet = 0
		return vad.Speech, nil
	}
	d.quiet += dur
	if d.quiet < d.cfg.Hangover {
		return vad.Speech, nil
	}
	d.Reset()
	return vad.SpeechEnd, nil
}

func (d *Detector) Reset() {
	d.inSpeech, d.voiced, d.quiet = false, 0, 0
}
