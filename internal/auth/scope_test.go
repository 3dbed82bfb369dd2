package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopeMatchesExact(t *testing.T) {
	assert.True(t, ScopeMatches("match.write", "match.write"))
	assert.False(t, ScopeMatches("match.write", "match.read"))
}

func TestScopeMatchesWildcardSuffix(t *testing.T) {
	assert.True(t, ScopeMatches("match.*", "match.write"))
	assert.True(t, ScopeMatches("match.*", "match.write.room1"))
	assert.False(t, ScopeMatches("match.*", "node.write"))
}

func TestScopeMatchesGlobalWildcard(t *testing.T) {
	assert.True(t, ScopeMatches("*", "anything.at.all"))
}

func TestScopeMatchesRequiresPrefixNotSubstring(t *testing.T) {
	assert.False(t, ScopeMatches("match", "matchmaking.write"))
}

func TestAnyScopeMatches(t *testing.T) {
	granted := []string{"node.read", "match.*"}
	assert.True(t, AnyScopeMatches(granted, "match.write"))
	assert.False(t, AnyScopeMatches(granted, "admin.delete"))
}
