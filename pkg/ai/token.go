package ai

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

var encodings sync.Map // model -> *tiktoken.Tiktoken

// CountTokens returns the number of tokens in a string for a specific model.
// The first call per encoding may fetch the BPE ranks, so callers keep it off
// the request path.
func CountTokens(model string, text string) (int, error) {
	tkm, err := encodingFor(model)
	if err != nil {
		return 0, err
	}
	return len(tkm.Encode(text, nil, nil)), nil
}

func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	if cached, ok := encodings.Load(model); ok {
		return cached.(*tiktoken.Tiktoken), nil
	}

	// Unknown models (agents, router aliases) fall back to cl100k_base
	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		tkm, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, err
		}
	}
	encodings.Store(model, tkm)
	return tkm, nil
}

// EstimateCost prices input tokens with the per-1k rate configured for model.
// Models without a configured price cost nothing.
func EstimateCost(tokens int, model string, pricePer1k map[string]float64) float64 {
	price, ok := pricePer1k[model]
	if !ok {
		return 0
	}
	return (float64(tokens) / 1000.0) * price
}
