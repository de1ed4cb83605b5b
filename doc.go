// Package mirage is the conversational core of a tool-using AI assistant:
// a branching session tree with persistence and compression, an agent loop
// that alternates LLM turns with tool execution, a parallelizable-aware
// tool scheduler with hooks and human-in-the-loop approval, and a typed
// event bus that streams tokens and tool progress to subscribers.
//
// The core is transport-agnostic. LLM providers plug in through the
// Provider interface (see provider/anthropic and provider/openaicompat),
// session persistence through SessionStorage (see store/sqlite and
// store/postgres), and approval routing through ApprovalChannel. UIs and
// chat platforms subscribe to the Bus; the core never references them.
package mirage
