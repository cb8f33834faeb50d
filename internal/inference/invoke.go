package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fundsight/ingest-cli/internal/resilience"
	"github.com/fundsight/ingest-cli/pkg/anthropic"
)

// Config controls the inference invoker.
type Config struct {
	Model       string
	MaxTokens   int64
	Temperature *float64

	// Retry governs per-call retry with class-aware backoff.
	Retry resilience.RetryConfig

	// Breaker configures the circuit breaker shared across chunk calls.
	// Zero values take the breaker's defaults.
	Breaker resilience.CircuitBreakerConfig

	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64
}

// Invoker issues structured-extraction calls against the inference service
// and validates the responses. Safe for concurrent use.
type Invoker struct {
	client  anthropic.Client
	cfg     Config
	schema  *gojsonschema.Schema
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// NewInvoker compiles the output schema and builds an Invoker.
func NewInvoker(client anthropic.Client, cfg Config) (*Invoker, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(enrichmentSchema))
	if err != nil {
		return nil, eris.Wrap(err, "inference: compile output schema")
	}

	breakerCfg := cfg.Breaker
	if breakerCfg.OnStateChange == nil {
		breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("inference circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}

	inv := &Invoker{
		client:  client,
		cfg:     cfg,
		schema:  schema,
		breaker: resilience.NewCircuitBreaker(breakerCfg),
	}
	if cfg.RequestsPerSecond > 0 {
		inv.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return inv, nil
}

// EnrichChunk is the CallFunc used by RunChunks: one inference call for one
// chunk, with class-aware retry inside. The returned error on exhaustion
// carries the cumulative retry cost.
func (inv *Invoker) EnrichChunk(ctx context.Context, chunk Chunk) (*ChunkOutput, error) {
	prompt, err := buildChunkPrompt(chunk)
	if err != nil {
		return nil, err
	}

	retry := inv.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("anthropic", fmt.Sprintf("enrich chunk %d", chunk.Index))
	}

	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*ChunkOutput, error) {
		if inv.limiter != nil {
			if err := inv.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := resilience.ExecuteVal(ctx, inv.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			resp, err := inv.client.CreateMessage(ctx, anthropic.MessageRequest{
				Model:       inv.cfg.Model,
				MaxTokens:   inv.cfg.MaxTokens,
				System:      anthropic.BuildCachedSystemBlocks(enrichSystemPrompt),
				Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
				Temperature: inv.cfg.Temperature,
			})
			if err != nil {
				return nil, classifyCallError(err)
			}
			return resp, nil
		})
		if err != nil {
			return nil, err
		}

		out, err := inv.parseResponse(resp)
		if err != nil {
			return nil, err
		}
		return out, nil
	})
}

// EnrichChunksDeferred submits all chunks through the batch API instead of
// the parallel fan-out, polls to completion, and maps results back to input
// order. Meant for large off-peak runs where latency is cheap.
func (inv *Invoker) EnrichChunksDeferred(ctx context.Context, chunks []Chunk) ([]Result, error) {
	items := make([]anthropic.BatchRequestItem, 0, len(chunks))
	results := make([]Result, len(chunks))

	for i, chunk := range chunks {
		prompt, err := buildChunkPrompt(chunk)
		if err != nil {
			results[i] = Result{Index: chunk.Index, Err: err}
			continue
		}
		items = append(items, anthropic.BatchRequestItem{
			CustomID: chunkCustomID(chunk.Index),
			Params: anthropic.MessageRequest{
				Model:       inv.cfg.Model,
				MaxTokens:   inv.cfg.MaxTokens,
				System:      anthropic.BuildCachedSystemBlocks(enrichSystemPrompt),
				Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
				Temperature: inv.cfg.Temperature,
			},
		})
	}

	batch, err := inv.client.CreateBatch(ctx, anthropic.BatchRequest{Requests: items})
	if err != nil {
		return nil, eris.Wrap(err, "inference: create enrichment batch")
	}

	batch, err = anthropic.PollBatch(ctx, inv.client, batch.ID)
	if err != nil {
		return nil, eris.Wrap(err, "inference: poll enrichment batch")
	}

	iter, err := inv.client.GetBatchResults(ctx, batch.ID)
	if err != nil {
		return nil, eris.Wrap(err, "inference: fetch enrichment batch results")
	}
	collected, err := anthropic.CollectBatchResults(iter)
	if err != nil {
		return nil, eris.Wrap(err, "inference: collect enrichment batch results")
	}

	for i, chunk := range chunks {
		if results[i].Err != nil {
			continue
		}
		resp, ok := collected.Succeeded[chunkCustomID(chunk.Index)]
		if !ok {
			results[i] = Result{Index: chunk.Index, Err: eris.Errorf("inference: chunk %d missing from batch results", chunk.Index)}
			continue
		}
		out, err := inv.parseResponse(resp)
		results[i] = Result{Index: chunk.Index, Output: out, Err: err}
	}
	return results, nil
}

func chunkCustomID(index int) string {
	return fmt.Sprintf("chunk-%d", index)
}

// buildChunkPrompt serializes the chunk's records into the user message.
func buildChunkPrompt(chunk Chunk) (string, error) {
	fields := make([]map[string]any, len(chunk.Records))
	for i, rec := range chunk.Records {
		fields[i] = rec.Fields
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", eris.Wrapf(err, "inference: serialize chunk %d", chunk.Index)
	}
	return "Enrich these funding opportunity records:\n\n" + string(data), nil
}

// parseResponse extracts, validates, and decodes the structured output.
// Validation failures fail the chunk without retry.
func (inv *Invoker) parseResponse(resp *anthropic.MessageResponse) (*ChunkOutput, error) {
	cleaned := cleanJSON(resp.Text())
	if cleaned == "" {
		return nil, resilience.NewSchemaValidationError([]string{"empty response"})
	}

	vr, err := inv.schema.Validate(gojsonschema.NewStringLoader(cleaned))
	if err != nil {
		return nil, resilience.NewSchemaValidationError([]string{err.Error()})
	}
	if !vr.Valid() {
		issues := make([]string, 0, len(vr.Errors()))
		for _, desc := range vr.Errors() {
			issues = append(issues, desc.String())
		}
		return nil, resilience.NewSchemaValidationError(issues)
	}

	var payload struct {
		Records []Enrichment `json:"records"`
	}
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, resilience.NewSchemaValidationError([]string{err.Error()})
	}

	return &ChunkOutput{Enrichments: payload.Records, Usage: resp.Usage}, nil
}

// classifyCallError converts an API failure into the typed error the retry
// layer buckets on.
func classifyCallError(err error) error {
	if status, ok := anthropic.StatusCode(err); ok {
		switch resilience.ClassifyHTTPStatus(status) {
		case resilience.ClassRateLimit:
			return resilience.NewRateLimitError(err)
		case resilience.ClassOverload:
			return resilience.NewOverloadError(err)
		case resilience.ClassTransient:
			return resilience.NewTransientError(err, status)
		default:
			return resilience.NewClientConfigError(err, status)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Non-API failures (DNS, reset connections, timeouts) are transient.
	return resilience.NewTransientError(err, 0)
}

// cleanJSON strips markdown code fences and surrounding prose from a model
// response, keeping the outermost JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
