package inference

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/fundsight/ingest-cli/internal/model"
)

// Chunk is a byte-bounded group of records sent to the inference service in
// a single call. Index is the chunk's position in input order.
type Chunk struct {
	Index   int
	Records []model.RawRecord
	Bytes   int
}

// SplitIntoChunks greedily packs records into chunks bounded by
// byteThreshold of serialized size. A record that alone exceeds the
// threshold gets its own singleton chunk. Chunk order matches input order.
// Records that fail to serialize are dropped with a warning rather than
// aborting the split.
func SplitIntoChunks(records []model.RawRecord, byteThreshold int) []Chunk {
	if byteThreshold <= 0 {
		byteThreshold = defaultByteThreshold
	}

	var chunks []Chunk
	current := Chunk{Index: 0}

	flush := func() {
		if len(current.Records) == 0 {
			return
		}
		chunks = append(chunks, current)
		current = Chunk{Index: len(chunks)}
	}

	for _, rec := range records {
		data, err := json.Marshal(rec.Fields)
		if err != nil {
			zap.L().Warn("inference: dropping unserializable record",
				zap.String("kind", rec.Kind), zap.Error(err))
			continue
		}
		size := len(data)

		if size > byteThreshold {
			// Oversized record: close the open chunk, then emit a singleton.
			flush()
			current.Records = append(current.Records, rec)
			current.Bytes = size
			flush()
			continue
		}

		if current.Bytes+size > byteThreshold && len(current.Records) > 0 {
			flush()
		}
		current.Records = append(current.Records, rec)
		current.Bytes += size
	}
	flush()

	return chunks
}

// defaultByteThreshold is used when the caller passes a non-positive
// threshold.
const defaultByteThreshold = 64 * 1024
