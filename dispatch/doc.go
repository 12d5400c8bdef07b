// Package dispatch is the thin glue between router and pool: it consults
// the router for a priority-ordered candidate list, tries each in order,
// and forwards finish/failure events back to the router (§2 data flow,
// §3.4). It does not implement HTTP transport or OpenAI-compatible wire
// parsing — those are assumed provided upstream (§1 Non-goals).
package dispatch
