package usage

import "github.com/shopspring/decimal"

// ModelPricing holds per-model token prices in USD per million tokens.
type ModelPricing struct {
	InputPerMTok  decimal.Decimal
	OutputPerMTok decimal.Decimal
}

var million = decimal.NewFromInt(1_000_000)

// Cost prices a single call.
func (p ModelPricing) Cost(inputTokens, outputTokens int) decimal.Decimal {
	in := decimal.NewFromInt(int64(inputTokens)).Mul(p.InputPerMTok).Div(million)
	out := decimal.NewFromInt(int64(outputTokens)).Mul(p.OutputPerMTok).Div(million)
	return in.Add(out)
}

// DefaultPricing covers the models the workflow is configured with out of the
// box. Unknown models are counted in tokens but add no cost.
var DefaultPricing = map[string]ModelPricing{
	"openai/gpt-oss-120b": {
		InputPerMTok:  decimal.NewFromFloat(0.09),
		OutputPerMTok: decimal.NewFromFloat(0.45),
	},
	"openai/gpt-4.1": {
		InputPerMTok:  decimal.NewFromFloat(2),
		OutputPerMTok: decimal.NewFromFloat(8),
	},
	"openai/gpt-4.1-mini": {
		InputPerMTok:  decimal.NewFromFloat(0.4),
		OutputPerMTok: decimal.NewFromFloat(1.6),
	},
	"claude-sonnet-4-5": {
		InputPerMTok:  decimal.NewFromFloat(3),
		OutputPerMTok: decimal.NewFromFloat(15),
	},
	"claude-haiku-4-5": {
		InputPerMTok:  decimal.NewFromFloat(1),
		OutputPerMTok: decimal.NewFromFloat(5),
	},
}
