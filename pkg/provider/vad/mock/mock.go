// Package mock provides a scripted [vad.Detector] for tests.
package mock

import (
	"sync"

	"github.com/MrWong99/englishpro/pkg/provider/vad"
)

var (
	_ vad.Engine   = (*Engine)(nil)
	_ vad.Detector = (*Detector)(nil)
)

// Engine returns Detector from every NewDetector call.
type Engine struct {
	Detector *Detector
	Err      error

	mu      sync.Mutex
	Configs []vad.Config
}

func (e *Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Detector == nil {
		e.Detector = &Detector{}
	}
	return e.Detector, nil
}

// Detector replays Events in order, then reports Silence.
type Detector struct {
	mu     sync.Mutex
	Events []vad.Event
	frames int
	resets int
}

func (d *Detector) Process([]byte) (vad.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames++
	if len(d.Events) == 0 {
		return vad.Silence, nil
	}
	e := d.Events[0]
	d.Events = d.Events[1:]
	return e, nil
}

func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
}

// Frames returns how many frames were processed.
func (d *Detector) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// Resets returns how many times Reset was called.
func (d *Detector) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}
