// ABOUTME: Asynchronous avatar loading with an in-memory URL cache
// ABOUTME: Deduplicates concurrent loads of the same URL and reports results by callback
package avatar

import (
	"context"
	"sync"
)

// Result is delivered once a load finishes
type Result struct {
	Address string
	URL     string
	Path    string
	Err     error
}

// Fetcher downloads a URL to a local path
type Fetcher interface {
	Download(ctx context.Context, url string) (string, error)
}

// Loader runs downloads in the background. Successful results are cached
// by URL; failures are not, so a later profile update can retry.
type Loader struct {
	ctx     context.Context
	fetcher Fetcher

	mu       sync.Mutex
	cache    map[string]string
	inflight map[string][]waiter
	wg       sync.WaitGroup
}

type waiter struct {
	address string
	done    func(Result)
}

// NewLoader creates a loader whose downloads stop when ctx ends
func NewLoader(ctx context.Context, fetcher Fetcher) *Loader {
	return &Loader{
		ctx:      ctx,
		fetcher:  fetcher,
		cache:    make(map[string]string),
		inflight: make(map[string][]waiter),
	}
}

// Load fetches url for address and calls done from a background goroutine,
// or synchronously when the URL is already cached.
func (l *Loader) Load(address, url string, done func(Result)) {
	if url == "" {
		return
	}

	l.mu.Lock()
	if path, ok := l.cache[url]; ok {
		l.mu.Unlock()
		done(Result{Address: address, URL: url, Path: path})
		return
	}
	waiters, running := l.inflight[url]
	l.inflight[url] = append(waiters, waiter{address: address, done: done})
	if running {
		l.mu.Unlock()
		return
	}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		path, err := l.fetcher.Download(l.ctx, url)

		l.mu.Lock()
		if err == nil {
			l.cache[url] = path
		}
		waiters := l.inflight[url]
		delete(l.inflight, url)
		l.mu.Unlock()

		for _, w := range waiters {
			w.done(Result{Address: w.address, URL: url, Path: path, Err: err})
		}
	}()
}

// Cached returns the path for an already loaded URL
func (l *Loader) Cached(url string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	path, ok := l.cache[url]
	return path, ok
}

// Wait blocks until every running download has reported
func (l *Loader) Wait() {
	l.wg.Wait()
}
