package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentica/agentica-server/pkg/protocol"
)

func TestParseModelStaticTable(t *testing.T) {
	spec, err := ParseModel("openai:gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, ModelSpec{Provider: "openai", Model: "gpt-4o", EndpointID: EndpointDefault}, spec)

	spec, err = ParseModel("anthropic:claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, EndpointDefault, spec.EndpointID)
}

func TestParseModelRoutedProvider(t *testing.T) {
	// Providers routed to the router get the "<provider>/<model>" slug.
	spec, err := ParseModel("deepseek:deepseek-chat")
	require.NoError(t, err)
	assert.Equal(t, "deepseek", spec.Provider)
	assert.Equal(t, "deepseek/deepseek-chat", spec.Model)
	assert.Equal(t, EndpointRouter, spec.EndpointID)
}

func TestParseModelExplicitRouter(t *testing.T) {
	spec, err := ParseModel("openrouter:meta-llama/llama-3.1-70b")
	require.NoError(t, err)
	assert.Equal(t, "meta-llama", spec.Provider)
	assert.Equal(t, "meta-llama/llama-3.1-70b", spec.Model)
	assert.Equal(t, EndpointRouter, spec.EndpointID)

	_, err = ParseModel("openrouter:noslash")
	require.Error(t, err)
	assert.Equal(t, protocol.ErrBadModel, protocol.NameOf(err))
}

func TestParseModelSlashFallback(t *testing.T) {
	spec, err := ParseModel("somelab/some-model")
	require.NoError(t, err)
	assert.Equal(t, "somelab", spec.Provider)
	assert.Equal(t, "somelab/some-model", spec.Model)
	assert.Equal(t, EndpointRouter, spec.EndpointID)
}

func TestParseModelRejects(t *testing.T) {
	for _, identifier := range []string{"", "   ", "gpt-4o", "unknownprovider:model"} {
		_, err := ParseModel(identifier)
		require.Error(t, err, "identifier %q", identifier)
		assert.Equal(t, protocol.ErrBadModel, protocol.NameOf(err))
	}
}

func TestParseModelTrimsWhitespace(t *testing.T) {
	spec, err := ParseModel("  openai:gpt-4o  ")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", spec.Model)
}
