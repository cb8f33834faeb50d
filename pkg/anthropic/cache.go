package anthropic

import (
	"context"

	"github.com/rotisserie/eris"
)

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint set to a 1-hour TTL. The extraction schema and instructions are
// identical across every chunk of a run, so one warm-up request lets the
// remaining chunk calls hit the prompt cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "1h",
			},
		},
	}
}

// WarmCache sends a single message to populate the prompt cache before the
// chunk fan-out begins. The request should carry system blocks built with
// BuildCachedSystemBlocks. The response content is discardable; only the
// cache side effect matters.
func WarmCache(ctx context.Context, client Client, req MessageRequest) (*MessageResponse, error) {
	resp, err := client.CreateMessage(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: cache warm-up request")
	}
	return resp, nil
}
