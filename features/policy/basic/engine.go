// Package basic filters the tools an MCP server exposes before they are
// offered to a sub-agent model. It enforces optional allow/block lists on
// tool names and on tags derived from MCP tool annotations.
package basic

import (
	"strings"

	"github.com/awschat/supervisor/runtime/agent/tools"
)

// Tags derived from MCP tool annotations.
const (
	TagReadOnly    = "read_only"
	TagDestructive = "destructive"
	TagIdempotent  = "idempotent"
	TagOpenWorld   = "open_world"
)

type (
	// Options configures the engine.
	Options struct {
		// AllowTags restricts tools to those carrying one of these tags.
		// Empty means no tag filter.
		AllowTags []string
		// BlockTags excludes tools carrying any of these tags.
		BlockTags []string
		// AllowTools explicitly allowlists tool names. Takes precedence
		// over tags.
		AllowTools []string
		// BlockTools explicitly blocks tool names.
		BlockTools []string
	}

	// Tagged is implemented by tools that carry tags.
	Tagged interface {
		Tags() []string
	}

	// Engine decides which tools are offered. A nil *Engine allows
	// everything.
	Engine struct {
		allowTags  map[string]struct{}
		blockTags  map[string]struct{}
		allowTools map[string]struct{}
		blockTools map[string]struct{}
	}
)

// New builds an engine from opts.
func New(opts Options) *Engine {
	return &Engine{
		allowTags:  toSet(opts.AllowTags),
		blockTags:  toSet(opts.BlockTags),
		allowTools: toSet(opts.AllowTools),
		blockTools: toSet(opts.BlockTools),
	}
}

// Empty reports whether the engine filters nothing.
func (e *Engine) Empty() bool {
	return e == nil || len(e.allowTags)+len(e.blockTags)+len(e.allowTools)+len(e.blockTools) == 0
}

// Allowed reports whether the tool name with tags may be offered.
func (e *Engine) Allowed(name string, tags []string) bool {
	if e == nil {
		return true
	}
	if _, blocked := e.blockTools[name]; blocked {
		return false
	}
	for _, tag := range tags {
		if _, blocked := e.blockTags[tag]; blocked {
			return false
		}
	}
	if len(e.allowTools) > 0 {
		_, ok := e.allowTools[name]
		return ok
	}
	if len(e.allowTags) > 0 {
		for _, tag := range tags {
			if _, ok := e.allowTags[tag]; ok {
				return true
			}
		}
		return false
	}
	return true
}

// Filter returns the allowed tools in input order, dropping duplicate names.
func (e *Engine) Filter(ts []tools.Tool) []tools.Tool {
	out := make([]tools.Tool, 0, len(ts))
	seen := make(map[string]struct{}, len(ts))
	for _, t := range ts {
		name := t.Definition().Name
		if _, dup := seen[name]; dup {
			continue
		}
		var tags []string
		if tg, ok := t.(Tagged); ok {
			tags = tg.Tags()
		}
		if !e.Allowed(name, tags) {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, t)
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
