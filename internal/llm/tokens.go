package llm

import "unicode"

// EstimateTokens approximates the token count of text when a vendor omits
// usage. A Han rune counts as one token, other text as one token per 4 bytes.
func EstimateTokens(text string) int {
	han, other := 0, 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			han++
			continue
		}
		other += len(string(r))
	}
	return han + (other+3)/4
}

func fillEstimatedUsage(resp *Response, userMessage string) {
	if resp.InputTokens == 0 {
		resp.InputTokens = EstimateTokens(SystemPrompt) + EstimateTokens(userMessage)
	}
	if resp.OutputTokens == 0 {
		resp.OutputTokens = EstimateTokens(resp.Content)
	}
	resp.TotalTokens = resp.InputTokens + resp.OutputTokens
}
