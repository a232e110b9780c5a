package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDisabledByDefault(t *testing.T) {
	c := Parse("")
	assert.False(t, c.Enabled)
	assert.False(t, c.Tracked("anything", 64))
}

func TestParseBareEnable(t *testing.T) {
	c := Parse("enable")
	require.True(t, c.Enabled)
	assert.Equal(t, defaultMin, c.Min)
	assert.Equal(t, defaultMax, c.Max)
	assert.True(t, c.Tracked("zone", 1024))
	assert.False(t, c.Tracked("zone", 1023))
}

func TestParseMinMax(t *testing.T) {
	c := Parse("min=32,max=128")
	require.True(t, c.Enabled)
	assert.True(t, c.Tracked("z", 32))
	assert.True(t, c.Tracked("z", 128))
	assert.False(t, c.Tracked("z", 129))
	assert.False(t, c.Tracked("z", 31))
}

func TestParseMaxWithoutMinZeroesMin(t *testing.T) {
	c := Parse("max=16")
	assert.Equal(t, 0, c.Min)
	assert.True(t, c.Tracked("z", 0))
}

func TestParseExactSize(t *testing.T) {
	c := Parse("size=48")
	assert.True(t, c.Tracked("z", 48))
	assert.False(t, c.Tracked("z", 49))
}

func TestParseNamedZoneOverridesSize(t *testing.T) {
	c := Parse("min=4096,max=8192,name=special.pool")
	assert.True(t, c.Tracked("special pool", 8))
	assert.False(t, c.Tracked("other pool", 8))
}

func TestParseDisableWinsRegardlessOfOrder(t *testing.T) {
	c := Parse("enable,min=1,disable,max=9999")
	assert.False(t, c.Enabled)
	assert.False(t, c.Tracked("z", 1))
}

func TestParseTunables(t *testing.T) {
	c := Parse("enable,wp,uf_mode,no_dfree_check,noconsistency,fc_size=4,zscale=2")
	assert.Equal(t, ProtReadOnly, c.ProtOnFree)
	assert.Equal(t, Underflow, c.Layout)
	assert.False(t, c.DoubleFreeCheck)
	assert.False(t, c.Consistency)
	assert.Equal(t, 4, c.FCSize)
	assert.Equal(t, 2, c.ZScale)
}

func TestParseUnknownTokenIgnored(t *testing.T) {
	c := Parse("enable,bogus=1,min=8")
	assert.True(t, c.Enabled)
	assert.True(t, c.Tracked("z", 8))
}

func TestParseEnvMissingReturnsDisabled(t *testing.T) {
	require.NoError(t, os.Unsetenv(BootargsEnv))
	assert.False(t, ParseEnv().Enabled)
}

func TestParseEnvReadsVariable(t *testing.T) {
	t.Setenv(BootargsEnv, "enable,size=16")
	c := ParseEnv()
	assert.True(t, c.Enabled)
	assert.True(t, c.Tracked("z", 16))
}
