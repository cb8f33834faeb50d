package inference

// Capacity describes the inference service's known limits for a single
// request.
type Capacity struct {
	// MaxRequestBytes bounds the serialized request size.
	MaxRequestBytes int
	// MaxOutputTokens bounds the response budget.
	MaxOutputTokens int64
}

// BatchPlan is a recommended chunking configuration computed from capacity
// and observed record sizes.
type BatchPlan struct {
	RecordsPerChunk int
	ByteThreshold   int
	MaxOutputTokens int64
}

// Fixed request framing costs assumed by RecommendBatch: prompt scaffolding
// around the record payload and response framing around the per-record
// output.
const (
	promptOverheadBytes  = 2048
	outputOverheadTokens = 256
)

// RecommendBatch computes how many records fit per chunk so the serialized
// request stays within capacity and the expected output stays within the
// token budget. Pure and deterministic for fixed inputs.
func RecommendBatch(capacity Capacity, avgRecordBytes int, perRecordOutputTokens int64) BatchPlan {
	if avgRecordBytes <= 0 {
		avgRecordBytes = 1
	}

	records := (capacity.MaxRequestBytes - promptOverheadBytes) / avgRecordBytes
	if records < 1 {
		records = 1
	}

	if perRecordOutputTokens > 0 && capacity.MaxOutputTokens > outputOverheadTokens {
		byOutput := (capacity.MaxOutputTokens - outputOverheadTokens) / perRecordOutputTokens
		if byOutput < 1 {
			byOutput = 1
		}
		if int64(records) > byOutput {
			records = int(byOutput)
		}
	}

	maxOut := int64(records)*perRecordOutputTokens + outputOverheadTokens
	if perRecordOutputTokens <= 0 || maxOut > capacity.MaxOutputTokens {
		maxOut = capacity.MaxOutputTokens
	}

	return BatchPlan{
		RecordsPerChunk: records,
		ByteThreshold:   records * avgRecordBytes,
		MaxOutputTokens: maxOut,
	}
}
