package flowcontrol

import (
	"context"

	"github.com/rs/zerolog/log"
)

// RunWorker processes keys until the queue is shut down.
// fn should return nil for failures that won't be fixed by retrying.
func RunWorker[T comparable](ctx context.Context, queue *Queue[T], fn func(context.Context, T) error) {
	for {
		item, ok := queue.Get()
		if !ok {
			return
		}
		err := fn(ctx, item)
		if err == nil {
			queue.Done(item)
			continue
		}
		if queue.Retry(item) {
			log.Warn().Err(err).Interface("item", item).Msg("error processing work item - will retry")
		} else {
			log.Error().Err(err).Interface("item", item).Msg("giving up on work item")
		}
	}
}
