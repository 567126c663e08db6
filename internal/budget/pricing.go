package budget

// PricePerMillionTokens defines the cost in USD per million tokens for a given model.
type PricePerMillionTokens struct {
	Input  float64
	Output float64
}

// PricingTable maps model names to their respective pricing information.
// Models not listed here fall back to the "default" entry.
var PricingTable = map[string]PricePerMillionTokens{
	// Anthropic
	"claude-3-opus-20240229":   {Input: 15.00, Output: 75.00},
	"claude-3-sonnet-20240229": {Input: 3.00, Output: 15.00},
	"claude-3-haiku-20240307":  {Input: 0.25, Output: 1.25},

	// OpenAI
	"gpt-4o":        {Input: 5.00, Output: 15.00},
	"gpt-4-turbo":   {Input: 10.00, Output: 30.00},
	"gpt-3.5-turbo": {Input: 0.50, Output: 1.50},

	// Google Gemini
	"gemini-1.5-pro-latest":   {Input: 7.00, Output: 21.00},
	"gemini-1.5-flash-latest": {Input: 0.70, Output: 2.10},

	"default": {Input: 3.00, Output: 15.00},
}

// CalculateCost calculates the estimated cost in USD for one usage record.
func CalculateCost(model string, inputTokens, outputTokens int64) float64 {
	price, ok := PricingTable[model]
	if !ok {
		price = PricingTable["default"]
	}

	inputCost := (float64(inputTokens) / 1_000_000.0) * price.Input
	outputCost := (float64(outputTokens) / 1_000_000.0) * price.Output
	return inputCost + outputCost
}
