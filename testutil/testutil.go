package testutil

import (
	"fmt"
	"maps"
	"math"
	"math/rand"
	"sync"

	"github.com/hupe1980/tablestore/kv"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float64 returns a pseudo-random number in [0.0,1.0).
func (r *RNG) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float64()
}

// Zipf returns a Zipfian-distributed value in [0, n).
// P(k) ∝ 1/k^s where s is the skew parameter.
func (r *RNG) Zipf(n int, s float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zipfLocked(n, s)
}

// zipfLocked is the internal implementation (caller must hold lock).
func (r *RNG) zipfLocked(n int, s float64) int {
	if n <= 1 {
		return 0
	}

	var hns float64
	for i := 1; i <= n; i++ {
		hns += 1.0 / math.Pow(float64(i), s)
	}

	u := r.rand.Float64() * hns
	var cumulative float64
	for k := 1; k <= n; k++ {
		cumulative += 1.0 / math.Pow(float64(k), s)
		if u <= cumulative {
			return k - 1
		}
	}

	return n - 1
}

// Key returns the canonical test key of index i. Keys sort by index.
func Key(i int) []byte {
	return []byte(fmt.Sprintf("key-%08d", i))
}

// RecordOptions shapes the records generated by RNG.Records.
type RecordOptions struct {
	// DeleteRate is the fraction of records that are deletes.
	DeleteRate float64
	// UpdateRate is the fraction of records that are UPDATE_AFTER images.
	UpdateRate float64
	// Skew draws keys from a Zipf distribution with this exponent when > 0.
	Skew float64
	// ValueSize is the length of generated values. Defaults to 16.
	ValueSize int
}

// Records generates n change records over keySpace distinct keys.
// Sequence numbers are left zero; the writer assigns them.
func (r *RNG) Records(n, keySpace int, opts RecordOptions) []kv.KeyValue {
	if opts.ValueSize <= 0 {
		opts.ValueSize = 16
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]kv.KeyValue, n)
	for i := range records {
		var k int
		if opts.Skew > 0 {
			k = r.zipfLocked(keySpace, opts.Skew)
		} else {
			k = r.rand.Intn(keySpace)
		}

		rec := kv.KeyValue{Key: Key(k), Kind: kv.Insert}
		switch p := r.rand.Float64(); {
		case p < opts.DeleteRate:
			rec.Kind = kv.Delete
		case p < opts.DeleteRate+opts.UpdateRate:
			rec.Kind = kv.UpdateAfter
		}
		if !rec.Kind.IsRetract() {
			rec.Value = make([]byte, opts.ValueSize)
			for j := range rec.Value {
				rec.Value[j] = byte('a' + r.rand.Intn(26))
			}
		}
		records[i] = rec
	}
	return records
}

// Model is an in-memory reference of merge-on-read with deduplication:
// the last record applied for a key decides its value.
type Model struct {
	mu   sync.Mutex
	rows map[string]string
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{rows: make(map[string]string)}
}

// Apply applies one record in order.
func (m *Model) Apply(r kv.KeyValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Kind.IsRetract() {
		delete(m.rows, string(r.Key))
		return
	}
	m.rows[string(r.Key)] = string(r.Value)
}

// ApplyAll applies records in order.
func (m *Model) ApplyAll(records []kv.KeyValue) {
	for _, r := range records {
		m.Apply(r)
	}
}

// Len returns the number of live keys.
func (m *Model) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// Snapshot returns a copy of the live key to value mapping.
func (m *Model) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.rows)
}
