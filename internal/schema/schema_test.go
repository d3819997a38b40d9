package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type searchArgs struct {
	Query      string `json:"query" jsonschema:"description=Search query to execute"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum number of results"`
}

type briefOutput struct {
	ResearchBrief string `json:"research_brief"`
}

type empty struct{}

func TestGenerate_InlineObject(t *testing.T) {
	raw := Generate[searchArgs]()

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "object", doc["type"])
	assert.Equal(t, false, doc["additionalProperties"])
	assert.NotContains(t, doc, "$schema")
	assert.NotContains(t, doc, "$ref")

	props := doc["properties"].(map[string]any)
	query := props["query"].(map[string]any)
	assert.Equal(t, "string", query["type"])
	assert.Equal(t, "Search query to execute", query["description"])
}

func TestParse_RequiredFollowsOmitempty(t *testing.T) {
	obj, err := Parse(Generate[searchArgs]())
	require.NoError(t, err)
	assert.Contains(t, obj.Required, "query")
	assert.NotContains(t, obj.Required, "max_results")
	assert.Contains(t, obj.Properties, "max_results")
}

func TestParse_EmptyStruct(t *testing.T) {
	obj, err := Parse(Generate[empty]())
	require.NoError(t, err)
	assert.NotNil(t, obj.Properties)
	assert.Empty(t, obj.Required)
}

func TestDecodeStrict(t *testing.T) {
	out, err := DecodeStrict[briefOutput](`{"research_brief":"study tides"}`)
	require.NoError(t, err)
	assert.Equal(t, "study tides", out.ResearchBrief)

	out, err = DecodeStrict[briefOutput]("```json\n{\"research_brief\":\"fenced\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "fenced", out.ResearchBrief)

	_, err = DecodeStrict[briefOutput](`{"research_brief":"x","extra":1}`)
	require.Error(t, err)

	_, err = DecodeStrict[briefOutput](`{"research_brief":"a"}{"research_brief":"b"}`)
	require.ErrorContains(t, err, "multiple JSON values")

	_, err = DecodeStrict[briefOutput](`not-json`)
	require.Error(t, err)
}
