package tools

import (
	"strings"
	"sync"
)

// Tool groups let allow/deny lists name a family of tools at once
// ("group:fs", "group:mcp:postgres").
var (
	toolGroups = map[string][]string{
		"fs":      {"read_file", "list_files", "read_image"},
		"runtime": {"current_time"},
	}
	toolGroupsMu sync.RWMutex
)

// RegisterToolGroup adds or replaces a named group. MCP servers register
// "mcp:<server>" groups as they connect.
func RegisterToolGroup(name string, members []string) {
	toolGroupsMu.Lock()
	defer toolGroupsMu.Unlock()
	toolGroups[name] = append([]string(nil), members...)
}

// UnregisterToolGroup removes a named group.
func UnregisterToolGroup(name string) {
	toolGroupsMu.Lock()
	defer toolGroupsMu.Unlock()
	delete(toolGroups, name)
}

// expandSpec resolves a list of tool names and "group:" references into the
// subset of available that they name, preserving the order of available.
func expandSpec(available, spec []string) []string {
	want := specSet(spec)
	var out []string
	for _, name := range available {
		if want[name] {
			out = append(out, name)
		}
	}
	return out
}

// subtractSpec returns the names in available not named by spec.
func subtractSpec(available, spec []string) []string {
	drop := specSet(spec)
	var out []string
	for _, name := range available {
		if !drop[name] {
			out = append(out, name)
		}
	}
	return out
}

func specSet(spec []string) map[string]bool {
	toolGroupsMu.RLock()
	defer toolGroupsMu.RUnlock()
	set := make(map[string]bool, len(spec))
	for _, entry := range spec {
		entry = strings.TrimSpace(entry)
		if group, ok := strings.CutPrefix(entry, "group:"); ok {
			for _, member := range toolGroups[group] {
				set[member] = true
			}
			continue
		}
		if entry != "" {
			set[entry] = true
		}
	}
	return set
}

// Filter returns a clone holding only the tools allowed by the lists.
// An empty allow list means every tool; deny is applied after allow.
func (r *Registry) Filter(allow, deny []string) *Registry {
	names := r.List()
	if len(allow) > 0 {
		names = expandSpec(names, allow)
	}
	if len(deny) > 0 {
		names = subtractSpec(names, deny)
	}
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}

	clone := r.Clone()
	for name := range clone.tools {
		if !keep[name] {
			delete(clone.tools, name)
		}
	}
	return clone
}
