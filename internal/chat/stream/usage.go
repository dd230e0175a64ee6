package stream

import (
	"math"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	"github.com/tidwall/gjson"
)

// ExtractUsage validates a usage object. Every required count must be a
// non-negative JSON integer, otherwise nil is returned; a partially populated
// usage is never produced. Detail objects are attached only when well typed.
func ExtractUsage(r gjson.Result) *types.TokenUsage {
	if !r.IsObject() {
		return nil
	}
	input, ok := countField(r, "input_tokens")
	if !ok {
		return nil
	}
	output, ok := countField(r, "output_tokens")
	if !ok {
		return nil
	}
	total, ok := countField(r, "total_tokens")
	if !ok {
		return nil
	}

	usage := &types.TokenUsage{
		InputTokens:  input,
		OutputTokens: output,
		TotalTokens:  total,
	}
	if d := r.Get("input_tokens_details"); d.IsObject() {
		if cached, ok := countField(d, "cached_tokens"); ok {
			usage.InputTokensDetails = &types.InputTokensDetails{CachedTokens: cached}
		}
	}
	if d := r.Get("output_tokens_details"); d.IsObject() {
		if reasoning, ok := countField(d, "reasoning_tokens"); ok {
			usage.OutputTokensDetails = &types.OutputTokensDetails{ReasoningTokens: reasoning}
		}
	}
	return usage
}

func countField(r gjson.Result, path string) (int, bool) {
	v := r.Get(path)
	if v.Type != gjson.Number {
		return 0, false
	}
	f := v.Float()
	if f < 0 || f != math.Trunc(f) || f >= math.MaxInt {
		return 0, false
	}
	return int(v.Int()), true
}
