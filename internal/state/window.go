package state

import (
	"errors"
	"math"

	"vigil/internal/models"
)

// ErrWindowCorrupt signals that a window's incremental aggregates have
// diverged from its contents. Continuing would poison every future
// feature for that machine, so callers must treat this as fatal.
var ErrWindowCorrupt = errors.New("window aggregates diverged from contents")

// channelStats maintains running mean and variance for one channel
// using Welford's online algorithm, extended with removal so a sliding
// window updates in O(1) per commit.
type channelStats struct {
	count int
	mean  float64
	m2    float64
}

func (s *channelStats) add(x float64) {
	s.count++
	delta := x - s.mean
	s.mean += delta / float64(s.count)
	s.m2 += delta * (x - s.mean)
}

// remove reverses an add for a value still represented in the stats.
func (s *channelStats) remove(x float64) {
	if s.count <= 1 {
		*s = channelStats{}
		return
	}
	oldMean := s.mean
	s.count--
	s.mean = (float64(s.count+1)*oldMean - x) / float64(s.count)
	s.m2 -= (x - oldMean) * (x - s.mean)
	if s.m2 < 0 {
		// Floating-point dust from repeated add/remove cycles
		if s.m2 < -1e-6 {
			s.m2 = math.NaN() // surfaces as corruption in check()
			return
		}
		s.m2 = 0
	}
}

// variance is the population variance of the retained samples.
func (s *channelStats) variance() float64 {
	if s.count < 2 {
		return 0
	}
	return s.m2 / float64(s.count)
}

func (s *channelStats) stdDev() float64 {
	return math.Sqrt(s.variance())
}

func (s *channelStats) check(count int) bool {
	return s.count == count && !math.IsNaN(s.m2) && !math.IsNaN(s.mean)
}

// Window is the bounded recent history for one machine plus its
// incrementally maintained aggregates. Not safe for concurrent use;
// the Store serializes access per shard.
type Window struct {
	capacity int
	ring     []models.SensorReading
	start    int
	count    int

	temp     channelStats
	vib      channelStats
	pressure channelStats
}

// NewWindow creates an empty window holding at most capacity readings.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{
		capacity: capacity,
		ring:     make([]models.SensorReading, capacity),
	}
}

// DefaultWindowSize is the rolling window length when none is configured.
const DefaultWindowSize = 20

// Commit appends a reading, evicting the oldest when at capacity, and
// updates the aggregates. Returns a consistent post-commit snapshot.
func (w *Window) Commit(r models.SensorReading) (Snapshot, error) {
	var prev *models.SensorReading
	if w.count > 0 {
		p := w.ring[(w.start+w.count-1)%w.capacity]
		prev = &p
	}

	if w.count == w.capacity {
		oldest := w.ring[w.start]
		w.temp.remove(oldest.Temperature)
		w.vib.remove(oldest.Vibration)
		w.pressure.remove(oldest.Pressure)
		w.start = (w.start + 1) % w.capacity
		w.count--
	}

	w.ring[(w.start+w.count)%w.capacity] = r
	w.count++
	w.temp.add(r.Temperature)
	w.vib.add(r.Vibration)
	w.pressure.add(r.Pressure)

	if !w.temp.check(w.count) || !w.vib.check(w.count) || !w.pressure.check(w.count) {
		return Snapshot{}, ErrWindowCorrupt
	}

	return Snapshot{
		SampleCount: w.count,
		Temperature: ChannelAggregate{Mean: w.temp.mean, StdDev: w.temp.stdDev()},
		Vibration:   ChannelAggregate{Mean: w.vib.mean, StdDev: w.vib.stdDev()},
		Pressure:    ChannelAggregate{Mean: w.pressure.mean, StdDev: w.pressure.stdDev()},
		Previous:    prev,
		Oldest:      w.ring[w.start],
	}, nil
}

// Readings returns the retained readings oldest-first.
func (w *Window) Readings() []models.SensorReading {
	out := make([]models.SensorReading, 0, w.count)
	for i := 0; i < w.count; i++ {
		out = append(out, w.ring[(w.start+i)%w.capacity])
	}
	return out
}

// Recompute rebuilds the aggregates from the raw ring contents. Used as
// an independent correctness check against the incremental path.
func (w *Window) Recompute() (temp, vib, pressure ChannelAggregate) {
	var t, v, p channelStats
	for _, r := range w.Readings() {
		t.add(r.Temperature)
		v.add(r.Vibration)
		p.add(r.Pressure)
	}
	return ChannelAggregate{Mean: t.mean, StdDev: t.stdDev()},
		ChannelAggregate{Mean: v.mean, StdDev: v.stdDev()},
		ChannelAggregate{Mean: p.mean, StdDev: p.stdDev()}
}

// ChannelAggregate is the rolling mean and stddev for one channel.
type ChannelAggregate struct {
	Mean   float64
	StdDev float64
}

// Snapshot is an immutable view of a window taken at commit time.
// Previous is the newest entry before the commit, nil when the window
// was empty. Oldest is the oldest retained reading after the commit.
type Snapshot struct {
	SampleCount int
	Temperature ChannelAggregate
	Vibration   ChannelAggregate
	Pressure    ChannelAggregate
	Previous    *models.SensorReading
	Oldest      models.SensorReading
}
