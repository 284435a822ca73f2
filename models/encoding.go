package models

import (
	"math"

	"github.com/daulet/tokenizers"
)

// modelInput is one fixed-length row fed to a session.
type modelInput struct {
	inputIDs      []int64
	attentionMask []int64
	tokenTypeIDs  []int64
}

// pairInput is a question/context pair with the context's token positions.
type pairInput struct {
	modelInput
	offsets      []tokenizers.Offset
	contextStart int // index of the first context token
	contextEnd   int // index one past the last context token
}

// truncateSingle cuts a special-token-wrapped sequence to maxLen, keeping the
// trailing separator.
func truncateSingle(ids []uint32, maxLen int) []uint32 {
	if len(ids) <= maxLen || maxLen < 2 {
		return ids
	}
	out := make([]uint32, 0, maxLen)
	out = append(out, ids[:maxLen-1]...)
	return append(out, ids[len(ids)-1])
}

// buildSingle turns encoded ids into a model input row.
func buildSingle(ids []uint32, maxLen int) modelInput {
	ids = truncateSingle(ids, maxLen)
	in := modelInput{
		inputIDs:      make([]int64, len(ids)),
		attentionMask: make([]int64, len(ids)),
		tokenTypeIDs:  make([]int64, len(ids)),
	}
	for i, id := range ids {
		in.inputIDs[i] = int64(id)
		in.attentionMask[i] = 1
	}
	return in
}

// buildPair assembles [CLS] question [SEP] context [SEP]. questionIDs must
// already carry the special tokens; its last id is reused as the separator.
// The context is truncated so the row fits maxLen.
func buildPair(questionIDs, contextIDs []uint32, contextOffsets []tokenizers.Offset, maxLen int) pairInput {
	if len(questionIDs) > maxLen-1 {
		questionIDs = truncateSingle(questionIDs, maxLen-1)
	}
	sep := uint32(0)
	if len(questionIDs) > 0 {
		sep = questionIDs[len(questionIDs)-1]
	}

	room := maxLen - len(questionIDs) - 1
	if room < 0 {
		room = 0
	}
	if len(contextIDs) > room {
		contextIDs = contextIDs[:room]
	}
	if len(contextOffsets) > len(contextIDs) {
		contextOffsets = contextOffsets[:len(contextIDs)]
	}

	total := len(questionIDs) + len(contextIDs) + 1
	p := pairInput{
		modelInput: modelInput{
			inputIDs:      make([]int64, 0, total),
			attentionMask: make([]int64, 0, total),
			tokenTypeIDs:  make([]int64, 0, total),
		},
		offsets:      make([]tokenizers.Offset, 0, total),
		contextStart: len(questionIDs),
		contextEnd:   len(questionIDs) + len(contextIDs),
	}
	for _, id := range questionIDs {
		p.inputIDs = append(p.inputIDs, int64(id))
		p.attentionMask = append(p.attentionMask, 1)
		p.tokenTypeIDs = append(p.tokenTypeIDs, 0)
		p.offsets = append(p.offsets, tokenizers.Offset{0, 0})
	}
	for i, id := range contextIDs {
		p.inputIDs = append(p.inputIDs, int64(id))
		p.attentionMask = append(p.attentionMask, 1)
		p.tokenTypeIDs = append(p.tokenTypeIDs, 1)
		var off tokenizers.Offset
		if i < len(contextOffsets) {
			off = contextOffsets[i]
		}
		p.offsets = append(p.offsets, off)
	}
	p.inputIDs = append(p.inputIDs, int64(sep))
	p.attentionMask = append(p.attentionMask, 1)
	p.tokenTypeIDs = append(p.tokenTypeIDs, 1)
	p.offsets = append(p.offsets, tokenizers.Offset{0, 0})
	return p
}

// decodeSpan cuts the answer out of passage using the predicted token
// positions. end is inclusive. Positions outside the context, or an end
// before the start, give an empty answer.
func decodeSpan(p pairInput, start, end int, passage string) string {
	if start > end || start < p.contextStart || end >= p.contextEnd {
		return ""
	}
	from, to := p.offsets[start][0], p.offsets[end][1]
	if from >= to || to > uint(len(passage)) {
		return ""
	}
	return passage[from:to]
}

func argmax(values []float32) int {
	best := 0
	bestValue := float32(-math.MaxFloat32)
	for i, v := range values {
		if v > bestValue {
			bestValue = v
			best = i
		}
	}
	return best
}

func sigmoid(x float32) float64 {
	return 1.0 / (1.0 + math.Exp(-float64(x)))
}
