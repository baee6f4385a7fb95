package anthropic

// CachedSystem builds system blocks with a cache breakpoint. Every NB step
// shares the same system prompt, so steps after the first read it from the
// prompt cache.
func CachedSystem(texts ...string) []SystemBlock {
	blocks := make([]SystemBlock, 0, len(texts))
	for _, t := range texts {
		if t == "" {
			continue
		}
		blocks = append(blocks, SystemBlock{Text: t})
	}
	if len(blocks) > 0 {
		blocks[0].CacheControl = &CacheControl{TTL: "5m"}
	}
	return blocks
}
