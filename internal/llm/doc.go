// Package llm adapts completion APIs to a single Provider interface.
//
// Providers are selected by name: "template" (offline, deterministic),
// "openai", "gemini" and "anthropic". Holder wraps the active provider so it
// can be swapped at runtime when the dynamic configuration changes without
// callers noticing.
package llm
