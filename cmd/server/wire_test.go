package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/awschat/supervisor/config"
)

func TestAPIEnvAddsRegion(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	assert.Equal(t, []string{"A=1", "AWS_REGION=us-west-2"}, apiEnv([]string{"A=1"}, "us-west-2"))
	assert.Equal(t, []string{"AWS_REGION=eu-west-1"}, apiEnv([]string{"AWS_REGION=eu-west-1"}, "us-west-2"))
	assert.Nil(t, apiEnv(nil, ""))

	t.Setenv("AWS_REGION", "ap-northeast-1")
	assert.Nil(t, apiEnv(nil, "us-west-2"))
}

func TestToolPolicy(t *testing.T) {
	assert.Nil(t, toolPolicy(config.ToolPolicy{}))
	e := toolPolicy(config.Default().SubAgents.APITools)
	if assert.NotNil(t, e) {
		assert.False(t, e.Allowed("delete_bucket", []string{"destructive"}))
		assert.True(t, e.Allowed("call_aws", nil))
	}
}
