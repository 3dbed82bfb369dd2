package module

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/meridian/internal/ecs"
	"github.com/freitascorp/meridian/internal/errs"
)

func TestParseIdentifierTwoPart(t *testing.T) {
	id, err := ParseIdentifier("combat:1.2")
	require.NoError(t, err)
	assert.Equal(t, "combat", id.Name)
	assert.Equal(t, 1, id.Major)
	assert.Equal(t, 2, id.Minor)
	assert.Equal(t, -1, id.Patch)
	assert.Equal(t, "combat:1.2", id.String())
}

func TestParseIdentifierThreePart(t *testing.T) {
	id, err := ParseIdentifier("combat:1.2.3")
	require.NoError(t, err)
	assert.Equal(t, 3, id.Patch)
	assert.Equal(t, "combat:1.2.3", id.String())
}

func TestParseIdentifierMissingColon(t *testing.T) {
	_, err := ParseIdentifier("combat1.2")
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.KindOf(err))
}

func TestParseIdentifierEmptySides(t *testing.T) {
	for _, s := range []string{":1.2", "combat:", ":"} {
		_, err := ParseIdentifier(s)
		require.Error(t, err, s)
		assert.Equal(t, errs.InvalidArgument, errs.KindOf(err))
	}
}

func TestParseIdentifierMalformedVersion(t *testing.T) {
	_, err := ParseIdentifier("combat:v1")
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.KindOf(err))
}

func TestDescriptorValidateDuplicateComponent(t *testing.T) {
	d := &Descriptor{
		ID: Identifier{Name: "combat", Major: 1},
		Components: []ecs.ComponentDef{
			{Name: "HP", Owner: "combat", Level: ecs.Write},
			{Name: "HP", Owner: "combat", Level: ecs.Write},
		},
	}
	err := d.Validate()
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.KindOf(err))
}

func TestDescriptorValidateForeignOwner(t *testing.T) {
	d := &Descriptor{
		ID: Identifier{Name: "combat", Major: 1},
		Components: []ecs.ComponentDef{
			{Name: "HP", Owner: "other", Level: ecs.Write},
		},
	}
	err := d.Validate()
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.KindOf(err))
}

func TestDescriptorValidateFlagComponentMustBeDeclared(t *testing.T) {
	d := &Descriptor{
		ID:            Identifier{Name: "combat", Major: 1},
		Components:    []ecs.ComponentDef{{Name: "HP", Owner: "combat", Level: ecs.Write}},
		FlagComponent: "MISSING",
	}
	err := d.Validate()
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.KindOf(err))
}

func TestDescriptorValidateOK(t *testing.T) {
	d := &Descriptor{
		ID:            Identifier{Name: "combat", Major: 1},
		Components:    []ecs.ComponentDef{{Name: "HP", Owner: "combat", Level: ecs.Write}},
		FlagComponent: "HP",
		Commands: []CommandSpec{
			{Name: "deal-damage", Parameters: map[string]ParamSchema{"amount": {Kind: ecs.KindFloat, Required: true}}},
		},
	}
	require.NoError(t, d.Validate())
}
