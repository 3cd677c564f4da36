package basic_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/awschat/supervisor/features/policy/basic"
	"github.com/awschat/supervisor/runtime/agent/tools"
)

type taggedTool struct {
	tools.Tool
	tags []string
}

func (t taggedTool) Tags() []string { return t.tags }

func tool(name string, tags ...string) tools.Tool {
	base := tools.New(name, "", nil, func(context.Context, json.RawMessage) (string, error) { return "", nil })
	if len(tags) == 0 {
		return base
	}
	return taggedTool{Tool: base, tags: tags}
}

func names(ts []tools.Tool) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Definition().Name
	}
	return out
}

func TestEngineFiltersByTags(t *testing.T) {
	e := basic.New(basic.Options{AllowTags: []string{basic.TagReadOnly}, BlockTags: []string{basic.TagDestructive}})
	got := e.Filter([]tools.Tool{
		tool("describe_instances", basic.TagReadOnly),
		tool("terminate_instances", basic.TagReadOnly, basic.TagDestructive),
		tool("untagged"),
	})
	require.Equal(t, []string{"describe_instances"}, names(got))
}

func TestEngineBlocksExplicitTools(t *testing.T) {
	e := basic.New(basic.Options{BlockTools: []string{"call_aws"}})
	got := e.Filter([]tools.Tool{tool("suggest_aws_commands"), tool("call_aws")})
	require.Equal(t, []string{"suggest_aws_commands"}, names(got))
}

func TestEngineAllowToolsTakesPrecedenceOverTags(t *testing.T) {
	e := basic.New(basic.Options{AllowTools: []string{"search_documentation"}, AllowTags: []string{basic.TagReadOnly}})
	require.True(t, e.Allowed("search_documentation", nil))
	require.False(t, e.Allowed("read_documentation", []string{basic.TagReadOnly}))
}

func TestEngineDropsDuplicates(t *testing.T) {
	e := basic.New(basic.Options{})
	got := e.Filter([]tools.Tool{tool("a"), tool("b"), tool("a")})
	require.Equal(t, []string{"a", "b"}, names(got))
}

func TestEmptyEngine(t *testing.T) {
	var nilEngine *basic.Engine
	require.True(t, nilEngine.Empty())
	require.True(t, nilEngine.Allowed("anything", []string{basic.TagDestructive}))
	require.True(t, basic.New(basic.Options{BlockTools: []string{" "}}).Empty())
	require.False(t, basic.New(basic.Options{BlockTags: []string{basic.TagDestructive}}).Empty())
}
