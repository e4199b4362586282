package speech

import (
	"math"
	"sync/atomic"
	"time"
)

// DefaultFrameInterval is the metering cadence, about one display frame.
const DefaultFrameInterval = 16 * time.Millisecond

// Volume maps frequency bins to an input level in [0, 100]. Average
// magnitudes of half scale and above read as full.
func Volume(bins []uint8) int {
	if len(bins) == 0 {
		return 0
	}
	sum := 0
	for _, b := range bins {
		sum += int(b)
	}
	avg := float64(sum) / float64(len(bins))
	return min(100, int(math.Round(avg/255*200)))
}

// meter samples a LevelSource while listening. start and stop are called
// from the coordinator loop only; level may be read from anywhere.
type meter struct {
	interval time.Duration
	level    atomic.Int64

	quit chan struct{}
	done chan struct{}
}

func (m *meter) start(src LevelSource) {
	if src == nil || m.quit != nil {
		return
	}
	m.quit = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(src, m.quit, m.done)
}

func (m *meter) run(src LevelSource, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-quit:
			return
		case <-t.C:
			m.level.Store(int64(Volume(src.Levels())))
		}
	}
}

// stop waits for the sampling goroutine to exit and resets the level.
func (m *meter) stop() {
	if m.quit != nil {
		close(m.quit)
		<-m.done
		m.quit, m.done = nil, nil
	}
	m.level.Store(0)
}
