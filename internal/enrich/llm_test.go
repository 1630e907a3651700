package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCandidate_AcceptsPlainAndFencedJSON(t *testing.T) {
	plain := `{"category":"jewelry","subcategory":"rings","gender":"women","tags":["gift"],"materials":["silver"],"confidence":"high"}`
	candidate, route, err := parseCandidate(plain)
	require.NoError(t, err)
	assert.Equal(t, "jewelry", candidate.Category)
	assert.Equal(t, RouteHigh, route)

	fenced := "```json\n" + plain + "\n```"
	candidate, _, err = parseCandidate(fenced)
	require.NoError(t, err)
	assert.Equal(t, "rings", candidate.Subcategory)
}

func TestParseCandidate_RejectsBadReplies(t *testing.T) {
	_, _, err := parseCandidate(`not json at all`)
	assert.Error(t, err)

	_, _, err = parseCandidate(`{"category":"jewelry","surprise":true}`)
	assert.Error(t, err, "unknown fields violate the schema")

	_, _, err = parseCandidate(`{"subcategory":"rings"}`)
	assert.Error(t, err, "category is required")

	_, _, err = parseCandidate(`{"category":"jewelry","confidence":"certain"}`)
	assert.Error(t, err, "confidence outside the enum")
}

func TestParseCandidate_DefaultsRouteToNormal(t *testing.T) {
	_, route, err := parseCandidate(`{"category":"jewelry"}`)
	require.NoError(t, err)
	assert.Equal(t, RouteNormal, route)
}
