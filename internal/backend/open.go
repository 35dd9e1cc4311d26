package backend

import (
	"fmt"

	"github.com/cloudquorum/cloudquorum/internal/config"
	"github.com/rs/zerolog"
)

// Open creates the backend described by cfg.
func Open(cfg config.BackendConfig) (Backend, error) {
	var b Backend
	switch Kind(cfg.Kind) {
	case KindMemory:
		b = NewMemory(cfg.Name)
	case KindFS:
		disk, err := NewDisk(cfg.Name, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open backend %s: %w", cfg.Name, err)
		}
		b = disk
	default:
		return nil, fmt.Errorf("backend %s: unknown kind %q", cfg.Name, cfg.Kind)
	}
	return WithCompression(b, Compression(cfg.Compression))
}

// OpenSet opens every configured backend and builds a Set in configuration order.
func OpenSet(logger zerolog.Logger, cfgs []config.BackendConfig) (*Set, error) {
	nodes := make([]*Node, 0, len(cfgs))
	closeAll := func() {
		for _, n := range nodes {
			_ = n.backend.Close()
		}
	}
	for _, c := range cfgs {
		b, err := Open(c)
		if err != nil {
			closeAll()
			return nil, err
		}
		nodes = append(nodes, NewNode(c.Code, b))
	}
	set, err := NewSet(logger, nodes...)
	if err != nil {
		closeAll()
		return nil, err
	}
	return set, nil
}
