package api

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvironment(t *testing.T) {
	env, err := ParseEnvironment(" Staging ")
	require.NoError(t, err)
	assert.Equal(t, EnvStaging, env)

	_, err = ParseEnvironment("qa")
	var verr ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "environment", verr.Field)
}

func TestSystemConfigValidate(t *testing.T) {
	ok := SystemConfig{ID: "eu-1", Address: "http://10.0.0.1:8088", Environment: EnvProduction}
	require.NoError(t, ok.Validate())

	cases := map[string]SystemConfig{
		"id":          {Address: "http://x"},
		"address":     {ID: "a", Address: "10.0.0.1:8088"},
		"environment": {ID: "a", Address: "http://x", Environment: "lab"},
		"priority":    {ID: "a", Address: "http://x", Priority: -1},
	}
	for field, cfg := range cases {
		err := cfg.Validate()
		var verr ValidationError
		require.True(t, errors.As(err, &verr), field)
		assert.Equal(t, field, verr.Field)
	}
}

func TestEffectiveWeight(t *testing.T) {
	zero, three, neg := 0, 3, -2
	assert.Equal(t, 1, SystemConfig{}.EffectiveWeight())
	assert.Equal(t, 0, SystemConfig{Weight: &zero}.EffectiveWeight())
	assert.Equal(t, 3, SystemConfig{Weight: &three}.EffectiveWeight())
	assert.Equal(t, 0, SystemConfig{Weight: &neg}.EffectiveWeight())
}

func TestPriorityWeight(t *testing.T) {
	zero, five := 0, 5
	assert.Equal(t, 100, SystemConfig{Priority: 1}.PriorityWeight(100))
	assert.Equal(t, 1, SystemConfig{Priority: 100}.PriorityWeight(100))
	assert.Equal(t, 1, SystemConfig{}.PriorityWeight(0))
	assert.Equal(t, 5, SystemConfig{Priority: 1, Weight: &five}.PriorityWeight(100))
	assert.Equal(t, 0, SystemConfig{Priority: 1, Weight: &zero}.PriorityWeight(100))
}

func TestCloneDoesNotAlias(t *testing.T) {
	w := 2
	orig := SystemConfig{
		ID:           "a",
		Weight:       &w,
		Capabilities: Capabilities{SupportedModels: []string{"m1"}},
	}
	c := orig.Clone()
	c.Capabilities.SupportedModels[0] = "changed"
	*c.Weight = 9

	assert.Equal(t, "m1", orig.Capabilities.SupportedModels[0])
	assert.Equal(t, 2, *orig.Weight)
}

func TestAgentSpecValidate(t *testing.T) {
	require.NoError(t, AgentSpec{Name: "support", Model: "gpt-4o"}.Validate())
	assert.Error(t, AgentSpec{Model: "gpt-4o"}.Validate())
	assert.Error(t, AgentSpec{Name: "support"}.Validate())
}
