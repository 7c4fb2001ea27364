package content

import (
	"context"
	"sync"

	"github.com/3leaps/nimbusaccess/pkg/provider"
	"github.com/3leaps/nimbusaccess/pkg/s3path"
)

// HeadResult is the outcome of one Head in HeadMulti.
type HeadResult struct {
	Path s3path.Path
	Meta *provider.ObjectMeta
	Err  error
}

// HeadMulti heads many objects with at most parallel requests in flight.
//
// Results are sent on the returned channel as they complete. The channel is
// closed when all paths are done or ctx is cancelled.
func HeadMulti(ctx context.Context, api API, paths []s3path.Path, parallel int) <-chan HeadResult {
	if parallel <= 0 {
		parallel = 4
	}

	out := make(chan HeadResult, parallel)
	work := make(chan s3path.Path)

	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range work {
				meta, err := Head(ctx, api, p)
				select {
				case out <- HeadResult{Path: p, Meta: meta, Err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(work)
		for _, p := range paths {
			select {
			case work <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
