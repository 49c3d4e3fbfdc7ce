package billing

// TokenUsage is the normalized usage shape shared by all protocol adapters.
//
// InputTokens and OutputTokens are the billable counts: the chat-completions
// and responses adapters subtract cache-read and reasoning tokens from the
// raw upstream counts, the messages adapter reports them verbatim because
// its upstream already excludes cache tokens from input_tokens.
type TokenUsage struct {
	InputTokens        int64 // Billable input token count.
	OutputTokens       int64 // Billable output token count.
	ReasoningTokens    int64 // Reasoning token count, billed at the output rate.
	CacheReadTokens    int64 // Cache read token count.
	CacheWrite5mTokens int64 // 5-minute-TTL cache write token count.
	CacheWrite1hTokens int64 // 1-hour-TTL cache write token count.
}

// TotalInputTokens returns the input-side token total used for price tier
// selection: input plus cache reads plus both cache write buckets.
func (u TokenUsage) TotalInputTokens() int64 {
	return u.InputTokens + u.CacheReadTokens + u.CacheWrite5mTokens + u.CacheWrite1hTokens
}
