// Package dynconfig tracks configuration that can change while the
// service runs.
//
// The configuration center publishes a YAML document such as
//
//	llm:
//	  provider: openai
//	  base_url: https://api.openai.com/v1
//	  model: gpt-4o-mini
//
// Source.Apply merges it into the current LLMConfig and calls every
// subscriber with the old and new values. The completion provider holder
// subscribes and rebuilds its provider.
package dynconfig
