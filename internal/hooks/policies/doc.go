// Package policies holds the built-in hook handlers: per-session tool rate
// limits, CEL block rules, system prompt sections and the input guard.
// Each policy exposes Register(*hooks.Runner) and keeps its state in the
// runner's StateStore.
package policies
