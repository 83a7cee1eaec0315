package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Aidin1998/birdtrade/pkg/metrics"
	"go.uber.org/zap"
)

const pingTimeout = 5 * time.Second

// Registry is the ordered, fixed set of regional pools. It is built once at
// startup and only read afterwards.
type Registry struct {
	pools  []Pool
	logger *zap.Logger
}

// NamedStats pairs a pool name with its usage.
type NamedStats struct {
	Pool string
	PoolStats
}

// NewRegistry creates one pool per endpoint, in the order given. Pools connect
// lazily; endpoints that cannot be reached are reported from a background
// ping and never fail construction.
func NewRegistry(ctx context.Context, endpoints []EndpointConfig, opts PoolOptions, logger *zap.Logger) (*Registry, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no database endpoints configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	seen := make(map[string]struct{}, len(endpoints))
	pools := make([]Pool, 0, len(endpoints))
	for _, ep := range endpoints {
		if _, dup := seen[ep.Name]; dup {
			closeAll(pools)
			return nil, fmt.Errorf("duplicate endpoint name %q", ep.Name)
		}
		seen[ep.Name] = struct{}{}

		pool, err := NewPgxPool(ctx, ep, opts)
		if err != nil {
			closeAll(pools)
			return nil, err
		}
		pools = append(pools, pool)
	}

	reg := &Registry{pools: pools, logger: logger}
	go reg.pingLoop(ctx)
	return reg, nil
}

// NewRegistryFromPools wraps already constructed pools.
func NewRegistryFromPools(logger *zap.Logger, pools ...Pool) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{pools: append([]Pool(nil), pools...), logger: logger}
}

// Pools returns the pools in failover order. The slice is a copy.
func (r *Registry) Pools() []Pool {
	return append([]Pool(nil), r.pools...)
}

// Len returns the number of pools.
func (r *Registry) Len() int { return len(r.pools) }

// Ready returns nil when at least one pool answers a ping.
func (r *Registry) Ready(ctx context.Context) error {
	var errs []error
	for _, p := range r.pools {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := p.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return errors.Join(append([]error{ErrAllEndpointsExhausted}, errs...)...)
}

// Stats returns usage for every pool that reports it.
func (r *Registry) Stats() []NamedStats {
	out := make([]NamedStats, 0, len(r.pools))
	for _, p := range r.pools {
		if sp, ok := p.(StatsProvider); ok {
			out = append(out, NamedStats{Pool: p.Name(), PoolStats: sp.Stats()})
		}
	}
	return out
}

// CollectStats publishes pool usage to prometheus every interval until ctx ends.
func (r *Registry) CollectStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.publishStats()
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) publishStats() {
	for _, s := range r.Stats() {
		metrics.DBOpenConns.WithLabelValues(s.Pool).Set(float64(s.Total))
		metrics.DBIdleConns.WithLabelValues(s.Pool).Set(float64(s.Idle))
		metrics.DBInUseConns.WithLabelValues(s.Pool).Set(float64(s.InUse))
	}
}

// Close closes every pool.
func (r *Registry) Close() {
	closeAll(r.pools)
}

func (r *Registry) pingLoop(ctx context.Context) {
	for _, p := range r.pools {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := p.Ping(pingCtx)
		cancel()
		if err != nil {
			r.logger.Warn("database endpoint unreachable at startup",
				zap.String("pool", p.Name()), zap.Error(err))
			continue
		}
		r.logger.Info("database endpoint reachable", zap.String("pool", p.Name()))
	}
}

func closeAll(pools []Pool) {
	for _, p := range pools {
		p.Close()
	}
}
