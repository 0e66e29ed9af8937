// Package publish hands published values to their consumers.
package publish

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/icodeforyou/southpool-go/cache"
	"github.com/icodeforyou/southpool-go/types"
)

type Publisher interface {
	Publish(ctx context.Context, v types.PublishedValue) error
}

type PublisherFunc func(ctx context.Context, v types.PublishedValue) error

func (f PublisherFunc) Publish(ctx context.Context, v types.PublishedValue) error {
	return f(ctx, v)
}

// Fanout publishes to every target even when some of them fail.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, v types.PublishedValue) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publishing %s/%s: %w", v.Region, v.Granularity, errors.Join(errs...))
	}
	return nil
}

/** The most recently published value per region and granularity */
type Latest struct {
	mu     sync.RWMutex
	values map[cache.Key]types.PublishedValue
}

func NewLatest() *Latest {
	return &Latest{values: make(map[cache.Key]types.PublishedValue)}
}

func (l *Latest) Publish(_ context.Context, v types.PublishedValue) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values[cache.Key{Region: v.Region, Granularity: v.Granularity}] = v
	return nil
}

func (l *Latest) Get(region types.Region, g types.Granularity) (types.PublishedValue, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.values[cache.Key{Region: region, Granularity: g}]
	return v, ok
}

// All returns the values ordered by region, then granularity.
func (l *Latest) All() []types.PublishedValue {
	l.mu.RLock()
	defer l.mu.RUnlock()
	values := make([]types.PublishedValue, 0, len(l.values))
	for _, v := range l.values {
		values = append(values, v)
	}
	slices.SortFunc(values, func(a, b types.PublishedValue) int {
		if c := strings.Compare(string(a.Region), string(b.Region)); c != 0 {
			return c
		}
		return strings.Compare(string(a.Granularity), string(b.Granularity))
	})
	return values
}
