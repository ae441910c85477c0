package httpmeter

import (
	"context"
	"log"
	"sync"
	"time"

	"go4.org/syncutil/singleflight"
)

func NewSampler() *Sampler {
	return &Sampler{
		recent: make(map[string]*Sample),
	}
}

// Sampler allows the sampling of a set of meters over time. It
// deduplicates concurrent fetches of the same host and remembers the
// most recent successful sample per host.
type Sampler struct {
	group singleflight.Group

	// mu guards recent.
	mu     sync.Mutex
	recent map[string]*Sample
}

// Sample holds a meter status page that was received at a particular
// time.
type Sample struct {
	Time   time.Time
	Fields Fields
}

type result struct {
	index  int
	sample *Sample
}

// GetAll tries to acquire a sample from the meters at all the given
// hosts. If the context is cancelled, it returns immediately with
// the most recent data it has acquired, which might be from an
// earlier time. The returned slice holds the result for each
// respective host in hosts; elements are nil when no data has ever
// been acquired for a host.
func (sampler *Sampler) GetAll(ctx context.Context, hosts ...string) []*Sample {
	results := make(chan result, len(hosts))
	for i, host := range hosts {
		i, host := i, host
		go func() {
			s := sampler.getOne(ctx, host)
			if s != nil {
				sampler.mu.Lock()
				sampler.recent[host] = s
				sampler.mu.Unlock()
			}
			results <- result{
				index:  i,
				sample: s,
			}
		}()
	}
	samples := make([]*Sample, len(hosts))
	numSamples := 0
	for numSamples < len(samples) {
		select {
		case <-ctx.Done():
			// Fill any samples with previously retrieved data when we have some.
			sampler.mu.Lock()
			defer sampler.mu.Unlock()
			for i, s := range samples {
				if s == nil {
					samples[i] = sampler.recent[hosts[i]]
				}
			}
			return samples
		case s := <-results:
			samples[s.index] = s.sample
			numSamples++
		}
	}
	return samples
}

func (sampler *Sampler) getOne(ctx context.Context, host string) *Sample {
	for ctx.Err() == nil {
		sample0, err := sampler.group.Do(host, func() (interface{}, error) {
			fields, err := Fetch(ctx, host)
			return &Sample{
				Time:   time.Now(),
				Fields: fields,
			}, err
		})
		if err == nil {
			return sample0.(*Sample)
		}
		log.Printf("failed to get status from %s: %v", host, err)
	}
	return nil
}
