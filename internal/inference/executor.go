package inference

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fundsight/ingest-cli/pkg/anthropic"
)

// ChunkOutput is the parsed result of one successful chunk call.
type ChunkOutput struct {
	Enrichments []Enrichment
	Usage       anthropic.TokenUsage
}

// Result is one chunk's outcome, placed at the chunk's input position.
// Either Output or Err is set.
type Result struct {
	Index  int
	Output *ChunkOutput
	Err    error
}

// CallFunc issues the inference call for one chunk. Retry happens inside the
// call, never at the chunk level.
type CallFunc func(ctx context.Context, chunk Chunk) (*ChunkOutput, error)

// RunChunks drives at most maxConcurrency chunk calls at once. Every chunk
// is attempted exactly once; results land at the slot matching input order
// regardless of completion order. A failed chunk yields an error Result in
// its slot and never prevents the other chunks from completing.
func RunChunks(ctx context.Context, chunks []Chunk, call CallFunc, maxConcurrency int) []Result {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	results := make([]Result, len(chunks))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)

	for i, chunk := range chunks {
		g.Go(func() error {
			out, err := call(gCtx, chunk)
			if err != nil {
				zap.L().Warn("inference: chunk call failed",
					zap.Int("chunk", chunk.Index),
					zap.Int("records", len(chunk.Records)),
					zap.Error(err),
				)
			}
			results[i] = Result{Index: chunk.Index, Output: out, Err: err}
			// Individual chunk failures never abort the group.
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// CollectOutputs flattens successful results into a single enrichment list
// and accumulated usage, preserving chunk order. Failed chunks are returned
// as a separate slice for the caller to report.
func CollectOutputs(results []Result) ([]Enrichment, anthropic.TokenUsage, []Result) {
	var enrichments []Enrichment
	var usage anthropic.TokenUsage
	var failed []Result

	for _, r := range results {
		if r.Err != nil || r.Output == nil {
			failed = append(failed, r)
			continue
		}
		enrichments = append(enrichments, r.Output.Enrichments...)
		usage.Add(r.Output.Usage)
	}
	return enrichments, usage, failed
}
