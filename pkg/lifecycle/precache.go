package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/safety-proxy/pkg/cache"
	"github.com/Sternrassler/safety-proxy/pkg/client"
)

// Fetcher performs network calls.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) client.Result
}

type precacheJob struct {
	region cache.Region
	path   string
}

type precached struct {
	region cache.Region
	entry  *cache.Entry
}

// precacher fetches a manifest in parallel. Either every entry is
// returned or none.
type precacher struct {
	fetcher     Fetcher
	origin      *url.URL
	concurrency int
	timeout     time.Duration
}

func (p *precacher) fetchAll(ctx context.Context, jobs []precacheJob) ([]precached, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	var (
		mu      sync.Mutex
		results = make([]precached, 0, len(jobs))
	)

	for _, job := range jobs {
		job := job
		g.Go(func() error {
			entry, err := p.fetchOne(ctx, job)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, precached{region: job.region, entry: entry})
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *precacher) fetchOne(ctx context.Context, job precacheJob) (*cache.Entry, error) {
	ref, err := url.Parse(job.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPrecache, job.path, err)
	}
	target := p.origin.ResolveReference(ref).String()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPrecache, job.path, err)
	}

	res := p.fetcher.Fetch(ctx, req)
	if !res.OK() {
		res.Discard()
		return nil, fmt.Errorf("%w: %s: %v", ErrPrecache, job.path, res.Err())
	}

	entry, err := cache.ResponseToEntry(res.Response, cache.URLIdentity(target), job.region)
	res.Response.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPrecache, job.path, err)
	}
	return entry, nil
}
