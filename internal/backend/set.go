package backend

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cloudquorum/cloudquorum/internal/metadata"
	"github.com/cloudquorum/cloudquorum/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// latencyPenalty is added to a node's latency estimate after a failed call.
	latencyPenalty = time.Second
	// maxLatency caps estimates so a recovering node can climb back up the ranking.
	maxLatency = time.Minute

	latencyProbeName = "latency-probe"
)

// Node is a Backend with a stable numeric code and observed latency.
// Code 0 is reserved for "chunk not stored" and is never assigned.
type Node struct {
	code    uint16
	backend Backend

	mu           sync.Mutex
	readLatency  time.Duration
	writeLatency time.Duration
}

// NewNode wraps a backend with its code.
func NewNode(code uint16, b Backend) *Node {
	return &Node{code: code, backend: b}
}

// Code returns the backend code recorded in metadata.
func (n *Node) Code() uint16 { return n.code }

// Name returns the backend name.
func (n *Node) Name() string { return n.backend.Name() }

// Backend returns the wrapped backend.
func (n *Node) Backend() Backend { return n.backend }

// ReadLatency returns the current read latency estimate.
func (n *Node) ReadLatency() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.readLatency
}

// WriteLatency returns the current write latency estimate.
func (n *Node) WriteLatency() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.writeLatency
}

// Put stores an object and records the write latency.
func (n *Node) Put(ctx context.Context, name string, data []byte) error {
	start := time.Now()
	err := n.backend.Put(ctx, name, data)
	n.observe(&n.writeLatency, time.Since(start), err)
	return err
}

// Get fetches an object and records the read latency.
func (n *Node) Get(ctx context.Context, name string) ([]byte, error) {
	start := time.Now()
	data, err := n.backend.Get(ctx, name)
	observed := err
	if errors.Is(err, ErrObjectNotFound) {
		// a clean miss says nothing bad about the backend
		observed = nil
	}
	n.observe(&n.readLatency, time.Since(start), observed)
	return data, err
}

// Delete removes an object.
func (n *Node) Delete(ctx context.Context, name string) error {
	return n.backend.Delete(ctx, name)
}

// List lists all objects.
func (n *Node) List(ctx context.Context) ([]string, error) {
	return n.backend.List(ctx)
}

// observe folds a sample into an exponentially weighted moving average.
func (n *Node) observe(est *time.Duration, d time.Duration, err error) {
	if errors.Is(err, context.Canceled) {
		// abandoned by the caller, not a measurement
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err != nil {
		d = *est + latencyPenalty
	}
	if *est == 0 {
		*est = d
	} else {
		*est = (*est*7 + d) / 8
	}
	if *est > maxLatency {
		*est = maxLatency
	}
}

func (n *Node) setLatency(read, write time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.readLatency = read
	n.writeLatency = write
}

// Set is the ordered collection of configured backends.
type Set struct {
	nodes  []*Node
	byCode map[uint16]*Node
	logger zerolog.Logger
}

// NewSet validates the nodes and builds a set. Codes and names must be unique
// and codes must be non-zero.
func NewSet(logger zerolog.Logger, nodes ...*Node) (*Set, error) {
	s := &Set{
		nodes:  nodes,
		byCode: make(map[uint16]*Node, len(nodes)),
		logger: logger.With().Str("component", "backends").Logger(),
	}
	names := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.code == 0 {
			return nil, fmt.Errorf("backend %s: code 0 is reserved", n.Name())
		}
		if n.code > metadata.MaxBackendCode {
			return nil, fmt.Errorf("backend %s: code %d exceeds %d", n.Name(), n.code, metadata.MaxBackendCode)
		}
		if _, dup := s.byCode[n.code]; dup {
			return nil, fmt.Errorf("backend %s: duplicate code %d", n.Name(), n.code)
		}
		if names[n.Name()] {
			return nil, fmt.Errorf("duplicate backend name %q", n.Name())
		}
		s.byCode[n.code] = n
		names[n.Name()] = true
	}
	return s, nil
}

// Len returns the number of backends.
func (s *Set) Len() int { return len(s.nodes) }

// Nodes returns the backends in configuration order.
func (s *Set) Nodes() []*Node {
	out := make([]*Node, len(s.nodes))
	copy(out, s.nodes)
	return out
}

// Node looks up a backend by code.
func (s *Set) Node(code uint16) (*Node, bool) {
	n, ok := s.byCode[code]
	return n, ok
}

// SortedByWriteLatency returns the backends fastest writer first.
// Ties keep configuration order.
func (s *Set) SortedByWriteLatency() []*Node {
	out := s.Nodes()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].WriteLatency() < out[j].WriteLatency()
	})
	return out
}

// SortedByReadLatency returns the backends fastest reader first.
func (s *Set) SortedByReadLatency() []*Node {
	out := s.Nodes()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReadLatency() < out[j].ReadLatency()
	})
	return out
}

// LatencyResult is the outcome of probing one backend.
type LatencyResult struct {
	Backend string
	Read    time.Duration
	Write   time.Duration
	Err     error
}

// MeasureLatency writes, reads back and deletes a random probe object of the
// given size on every backend concurrently, and resets the latency estimates
// to the measured values. Backends that fail the probe are ranked last.
func (s *Set) MeasureLatency(ctx context.Context, size int) []LatencyResult {
	payload := make([]byte, size)
	_, _ = rand.Read(payload)

	results := make([]LatencyResult, len(s.nodes))
	var wg sync.WaitGroup
	for i, n := range s.nodes {
		wg.Add(1)
		go func(i int, n *Node) {
			defer wg.Done()
			results[i] = probe(ctx, n, payload)
		}(i, n)
	}
	wg.Wait()

	for i, r := range results {
		n := s.nodes[i]
		if r.Err != nil {
			s.logger.Warn().Err(r.Err).Str("backend", r.Backend).Msg("latency probe failed")
			n.setLatency(maxLatency, maxLatency)
			continue
		}
		n.setLatency(r.Read, r.Write)
		s.logger.Info().
			Str("backend", r.Backend).
			Dur("read", r.Read).
			Dur("write", r.Write).
			Msg("measured backend latency")
	}
	return results
}

func probe(ctx context.Context, n *Node, payload []byte) LatencyResult {
	res := LatencyResult{Backend: n.Name()}
	b := n.backend

	start := time.Now()
	if err := b.Put(ctx, latencyProbeName, payload); err != nil {
		res.Err = fmt.Errorf("write probe: %w", err)
		return res
	}
	res.Write = time.Since(start)

	start = time.Now()
	if _, err := b.Get(ctx, latencyProbeName); err != nil {
		res.Err = fmt.Errorf("read probe: %w", err)
		return res
	}
	res.Read = time.Since(start)

	if err := b.Delete(ctx, latencyProbeName); err != nil {
		res.Err = fmt.Errorf("delete probe: %w", err)
	}
	return res
}

// Close closes every backend and returns the first error.
func (s *Set) Close() error {
	var first error
	for _, n := range s.nodes {
		if err := n.backend.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", n.Name(), err)
		}
	}
	return first
}

// Latencies reports the current estimates in configuration order.
func (s *Set) Latencies() []metrics.BackendLatency {
	out := make([]metrics.BackendLatency, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = metrics.BackendLatency{
			Backend: n.Name(),
			Read:    n.ReadLatency(),
			Write:   n.WriteLatency(),
		}
	}
	return out
}
