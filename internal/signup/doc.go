// Package signup is the auto-signup engine.
//
// On every tick the Engine loads tracked patterns, decides whether the upstream
// schedule needs refetching (FetchCache), matches occurrences against each
// pattern (Matcher), computes the signup window per match (ComputeWindow),
// consults the attempt ledger and finally calls the booking gateway.
//
// Matcher and ComputeWindow are pure. Only gateway calls and store access block.
package signup
