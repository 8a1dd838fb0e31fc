package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeValuesOnlyCarriesSetFlags(t *testing.T) {
	cmd := newProbeCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--asn", "AS3320", "--minutes", "30", "--repeat", "3"}))

	q := probeValues(cmd.Flags())
	assert.Equal(t, "AS3320", q.Get("asn"))
	assert.Equal(t, "30", q.Get("minutes"))
	assert.False(t, q.Has("q"))
	assert.False(t, q.Has("country"))
	assert.False(t, q.Has("repeat"))
}

func TestProbeValuesKeepsExplicitEmptyFilter(t *testing.T) {
	cmd := newProbeCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--q="}))

	q := probeValues(cmd.Flags())
	assert.True(t, q.Has("q"))
	assert.Empty(t, q.Get("q"))
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["probe"])
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("log-level"))
}
