package anthropic

// CachedSystem builds a system prompt whose prefix is marked for prompt
// caching. Deep assessment sends the same few-shot block for every article
// in a run, so a 5 minute TTL is enough.
func CachedSystem(text string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: "5m"}}}
}

// PlainSystem builds an uncached system prompt.
func PlainSystem(text string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{{Text: text}}
}
