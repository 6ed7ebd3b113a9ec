package admission

// Pricing is the per-token cost of a request class, in dollars.
type Pricing struct {
	InputPerToken  float64
	OutputPerToken float64
}

// Estimate returns the dollar cost of a call with the given token counts.
func (p Pricing) Estimate(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)*p.InputPerToken + float64(outputTokens)*p.OutputPerToken
}

// EstimateTokens provides a rough token count estimate for a prompt.
// Uses the approximation: ~4 chars per token + fixed request overhead.
func EstimateTokens(prompt string) int64 {
	// ~4 chars per token
	total := int64(len(prompt)) / 4
	// base overhead for the request (role, formatting)
	total += 7
	return total
}
