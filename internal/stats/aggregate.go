package stats

import (
	"sort"
	"time"
)

// Thresholds split attention values into low, medium and high.
type Thresholds struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

// Classify reports the bucket a value falls into: below Low is low, at or
// above High is high, anything else is medium.
func (t Thresholds) Classify(v uint8) Bucket {
	switch {
	case int(v) < t.Low:
		return BucketLow
	case int(v) >= t.High:
		return BucketHigh
	default:
		return BucketMedium
	}
}

// Bucket is an attention level.
type Bucket string

const (
	BucketLow    Bucket = "low"
	BucketMedium Bucket = "medium"
	BucketHigh   Bucket = "high"
)

// Buckets counts attention samples per level.
type Buckets struct {
	Low    uint64 `json:"low"`
	Medium uint64 `json:"medium"`
	High   uint64 `json:"high"`
}

// Aggregate is a running count/sum/min/max over one metric.
type Aggregate struct {
	Count uint64  `json:"count"`
	Sum   uint64  `json:"sum"`
	Min   uint8   `json:"min"`
	Max   uint8   `json:"max"`
	Avg   float64 `json:"avg"`
}

func (a *Aggregate) add(v uint8) {
	if a.Count == 0 || v < a.Min {
		a.Min = v
	}
	if a.Count == 0 || v > a.Max {
		a.Max = v
	}
	a.Count++
	a.Sum += uint64(v)
	a.Avg = float64(a.Sum) / float64(a.Count)
}

// TimelineBucket aggregates one fixed-width window of a timeline.
type TimelineBucket struct {
	Start time.Time `json:"start"`
	Aggregate
}

// series is one metric's running aggregate plus its timeline.
type series struct {
	total Aggregate

	// keys is kept sorted; buckets holds the matching windows.
	keys    []int64
	buckets map[int64]*Aggregate
}

func newSeries() *series {
	return &series{buckets: make(map[int64]*Aggregate)}
}

func (s *series) add(v uint8, key int64) {
	s.total.add(v)

	b, ok := s.buckets[key]
	if !ok {
		b = &Aggregate{}
		s.buckets[key] = b
		// Records almost always land in the newest window.
		if n := len(s.keys); n == 0 || s.keys[n-1] < key {
			s.keys = append(s.keys, key)
		} else {
			i := sort.Search(n, func(i int) bool { return s.keys[i] >= key })
			s.keys = append(s.keys, 0)
			copy(s.keys[i+1:], s.keys[i:])
			s.keys[i] = key
		}
	}
	b.add(v)
}

func (s *series) timeline(window time.Duration) []TimelineBucket {
	out := make([]TimelineBucket, len(s.keys))
	for i, key := range s.keys {
		out[i] = TimelineBucket{
			Start:     time.Unix(0, key*int64(window)).UTC(),
			Aggregate: *s.buckets[key],
		}
	}
	return out
}

// windowKey returns floor(ts / window).
func windowKey(ts time.Time, window time.Duration) int64 {
	n := ts.UnixNano()
	w := int64(window)
	k := n / w
	if n%w < 0 {
		k--
	}
	return k
}

// maxScore is the largest valid attention or relaxation value. Larger values
// are ignored.
const maxScore = 100

// producer folds one producer's records.
type producer struct {
	id         string
	records    uint64
	firstAt    time.Time
	lastAt     time.Time
	attention  *series
	relaxation *series

	// histogram of attention values lets buckets follow threshold changes.
	histogram [maxScore + 1]uint64
}

func newProducer(id string) *producer {
	return &producer{id: id, attention: newSeries(), relaxation: newSeries()}
}

func (p *producer) observe(at time.Time, attention, relaxation *uint8, window time.Duration) {
	if p.records == 0 || at.Before(p.firstAt) {
		p.firstAt = at
	}
	if at.After(p.lastAt) {
		p.lastAt = at
	}
	p.records++

	key := windowKey(at, window)
	if attention != nil && *attention <= maxScore {
		p.attention.add(*attention, key)
		p.histogram[*attention]++
	}
	if relaxation != nil && *relaxation <= maxScore {
		p.relaxation.add(*relaxation, key)
	}
}

func (p *producer) buckets(t Thresholds) Buckets {
	var b Buckets
	for v, n := range p.histogram {
		switch t.Classify(uint8(v)) {
		case BucketLow:
			b.Low += n
		case BucketHigh:
			b.High += n
		default:
			b.Medium += n
		}
	}
	return b
}

func (p *producer) snapshot(t Thresholds, window time.Duration) ProducerStats {
	return ProducerStats{
		ProducerID:         p.id,
		Records:            p.records,
		FirstAt:            p.firstAt,
		LastAt:             p.lastAt,
		Attention:          p.attention.total,
		Relaxation:         p.relaxation.total,
		Buckets:            p.buckets(t),
		AttentionTimeline:  p.attention.timeline(window),
		RelaxationTimeline: p.relaxation.timeline(window),
	}
}
