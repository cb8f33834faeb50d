package inference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fundsight/ingest-cli/internal/model"
	"github.com/fundsight/ingest-cli/internal/resilience"
	"github.com/fundsight/ingest-cli/pkg/anthropic"
)

type mockAIClient struct {
	mock.Mock
}

func (m *mockAIClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func (m *mockAIClient) CreateBatch(ctx context.Context, req anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockAIClient) GetBatch(ctx context.Context, batchID string) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockAIClient) GetBatchResults(ctx context.Context, batchID string) (anthropic.BatchResultIterator, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(anthropic.BatchResultIterator), args.Error(1)
}

type sliceIterator struct {
	items []anthropic.BatchResultItem
	idx   int
}

func (it *sliceIterator) Next() bool {
	if it.idx < len(it.items) {
		it.idx++
		return true
	}
	return false
}
func (it *sliceIterator) Item() anthropic.BatchResultItem { return it.items[it.idx-1] }
func (it *sliceIterator) Err() error                      { return nil }
func (it *sliceIterator) Close() error                    { return nil }

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func textResponse(text string, usage anthropic.TokenUsage) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   usage,
	}
}

const validEnrichmentJSON = `{"records":[{"external_id":"GRANT-1","summary":"Broadband grants for rural counties.","categories":["infrastructure"]}]}`

func testInvoker(t *testing.T, client anthropic.Client, retry resilience.RetryConfig) *Invoker {
	t.Helper()
	inv, err := NewInvoker(client, Config{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 2048,
		Retry:     retry,
	})
	require.NoError(t, err)
	return inv
}

func sampleChunk() Chunk {
	return Chunk{Index: 0, Records: []model.RawRecord{
		{Kind: "grant", Fields: map[string]any{"id": "GRANT-1", "title": "Rural Broadband"}},
	}}
}

func TestEnrichChunk_Success(t *testing.T) {
	mc := new(mockAIClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(validEnrichmentJSON, anthropic.TokenUsage{InputTokens: 120, OutputTokens: 40}), nil).
		Once()

	inv := testInvoker(t, mc, resilience.RetryConfig{MaxAttempts: 3, Sleep: noSleep})
	out, err := inv.EnrichChunk(context.Background(), sampleChunk())
	require.NoError(t, err)
	require.Len(t, out.Enrichments, 1)
	assert.Equal(t, "GRANT-1", out.Enrichments[0].ExternalID)
	assert.Equal(t, []string{"infrastructure"}, out.Enrichments[0].Categories)
	assert.Equal(t, int64(120), out.Usage.InputTokens)
	mc.AssertExpectations(t)
}

func TestEnrichChunk_StripsMarkdownFences(t *testing.T) {
	fenced := "```json\n" + validEnrichmentJSON + "\n```"
	mc := new(mockAIClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(fenced, anthropic.TokenUsage{}), nil).Once()

	inv := testInvoker(t, mc, resilience.RetryConfig{MaxAttempts: 1})
	out, err := inv.EnrichChunk(context.Background(), sampleChunk())
	require.NoError(t, err)
	assert.Len(t, out.Enrichments, 1)
}

func TestEnrichChunk_SchemaViolationFailsWithoutRetry(t *testing.T) {
	// Missing required external_id.
	bad := `{"records":[{"summary":"No id here."}]}`
	mc := new(mockAIClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(bad, anthropic.TokenUsage{}), nil).Once()

	inv := testInvoker(t, mc, resilience.RetryConfig{MaxAttempts: 5, Sleep: noSleep})
	_, err := inv.EnrichChunk(context.Background(), sampleChunk())

	var sve *resilience.SchemaValidationError
	require.ErrorAs(t, err, &sve)
	mc.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestEnrichChunk_RetriesTransientFailure(t *testing.T) {
	mc := new(mockAIClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset by peer")).Once()
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(validEnrichmentJSON, anthropic.TokenUsage{}), nil).Once()

	inv := testInvoker(t, mc, resilience.RetryConfig{MaxAttempts: 3, Sleep: noSleep})
	out, err := inv.EnrichChunk(context.Background(), sampleChunk())
	require.NoError(t, err)
	assert.Len(t, out.Enrichments, 1)
	mc.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestEnrichChunk_ExhaustionCarriesRetryCost(t *testing.T) {
	mc := new(mockAIClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, errors.New("upstream timeout"))

	inv := testInvoker(t, mc, resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Millisecond,
		JitterFraction: 0,
		Sleep:          noSleep,
	})
	_, err := inv.EnrichChunk(context.Background(), sampleChunk())

	var exhausted *resilience.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Cost.Attempts)
	// 10ms + 20ms of transient-class backoff was accrued.
	assert.Equal(t, 30*time.Millisecond, exhausted.Cost.TotalDelay)
	mc.AssertNumberOfCalls(t, "CreateMessage", 3)
}

func TestEnrichChunk_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	mc := new(mockAIClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, errors.New("upstream timeout"))

	inv, err := NewInvoker(mc, Config{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 2048,
		Retry:     resilience.RetryConfig{MaxAttempts: 1},
		Breaker:   resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour},
	})
	require.NoError(t, err)

	_, err = inv.EnrichChunk(context.Background(), sampleChunk())
	require.Error(t, err)
	_, err = inv.EnrichChunk(context.Background(), sampleChunk())
	require.Error(t, err)

	// Circuit is open now; the third call is rejected before reaching the API.
	_, err = inv.EnrichChunk(context.Background(), sampleChunk())
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	mc.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestEnrichChunksDeferred(t *testing.T) {
	chunks := []Chunk{
		{Index: 0, Records: []model.RawRecord{{Fields: map[string]any{"id": "a"}}}},
		{Index: 1, Records: []model.RawRecord{{Fields: map[string]any{"id": "b"}}}},
		{Index: 2, Records: []model.RawRecord{{Fields: map[string]any{"id": "c"}}}},
	}

	mc := new(mockAIClient)
	mc.On("CreateBatch", mock.Anything, mock.MatchedBy(func(req anthropic.BatchRequest) bool {
		return len(req.Requests) == 3 && req.Requests[0].CustomID == "chunk-0"
	})).Return(&anthropic.BatchResponse{ID: "batch_1", ProcessingStatus: "in_progress"}, nil)
	mc.On("GetBatch", mock.Anything, "batch_1").
		Return(&anthropic.BatchResponse{ID: "batch_1", ProcessingStatus: "ended"}, nil)
	mc.On("GetBatchResults", mock.Anything, "batch_1").Return(&sliceIterator{items: []anthropic.BatchResultItem{
		{CustomID: "chunk-0", Type: "succeeded", Message: textResponse(validEnrichmentJSON, anthropic.TokenUsage{})},
		{CustomID: "chunk-2", Type: "succeeded", Message: textResponse(validEnrichmentJSON, anthropic.TokenUsage{})},
		// chunk-1 errored upstream and is absent from the succeeded set.
	}}, nil)

	inv := testInvoker(t, mc, resilience.RetryConfig{MaxAttempts: 1})
	results, err := inv.EnrichChunksDeferred(context.Background(), chunks)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, 2, results[2].Index)
	mc.AssertExpectations(t)
}
