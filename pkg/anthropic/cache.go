package anthropic

// cacheMinChars is roughly the smallest system prompt worth a cache
// breakpoint; shorter prompts fall under the API's cacheable minimum.
const cacheMinChars = 4096

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint set to a 1-hour TTL. Stage prompts repeat across every page
// and block of a batch, so long ones are worth caching.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "1h",
			},
		},
	}
}

// SystemBlocks returns the system prompt as blocks, with a cache
// breakpoint when the prompt is long enough to be cached.
func SystemBlocks(text string) []SystemBlock {
	if text == "" {
		return nil
	}
	if len(text) >= cacheMinChars {
		return BuildCachedSystemBlocks(text)
	}
	return []SystemBlock{{Text: text}}
}
