// Package workflow runs one conversational turn through a fixed graph of
// steps:
//
//	retrieve -> think -> tool_call -> generate -> done
//	                  \____________/
//
// think decides whether a tool is needed; Route sends the run to tool_call
// when calls are pending and straight to generate otherwise.
//
// State is a value. Nodes receive a copy and return an Update, which the
// engine applies to produce the next State. After every completed node the
// state is checkpointed, so a failed node never advances the stored
// checkpoint. Runs for the same session are serialized.
package workflow
