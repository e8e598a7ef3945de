package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-ai/kestrel/internal/model"
)

func TestDefaultsCoverKnownTypes(t *testing.T) {
	set := Defaults()
	for _, typ := range []model.SensorType{
		model.SensorTemperature,
		model.SensorHumidity,
		model.SensorPressure,
		model.SensorVibration,
		model.SensorPower,
	} {
		p, ok := set.Lookup(typ)
		require.True(t, ok, "missing default profile for %s", typ)
		assert.Less(t, p.Min, p.Max)
	}
}

func TestLookupUnknownType(t *testing.T) {
	_, ok := Defaults().Lookup("flux")
	assert.False(t, ok)
}

func TestContains(t *testing.T) {
	p := Profile{Min: 0, Max: 100}
	assert.True(t, p.Contains(0))
	assert.True(t, p.Contains(100))
	assert.False(t, p.Contains(-0.1))
	assert.False(t, p.Contains(100.1))
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"temperature:\n  min: -10\n  max: 40\n  unit: C\nco2:\n  min: 0\n  max: 5000\n  unit: ppm\n",
	), 0o600))

	set, err := LoadFile(path)
	require.NoError(t, err)

	temp, ok := set.Lookup(model.SensorTemperature)
	require.True(t, ok)
	assert.Equal(t, Profile{Min: -10, Max: 40, Unit: "C"}, temp)

	co2, ok := set.Lookup("co2")
	require.True(t, ok)
	assert.Equal(t, 5000.0, co2.Max)

	// Types the file does not mention keep their defaults.
	hum, ok := set.Lookup(model.SensorHumidity)
	require.True(t, ok)
	assert.Equal(t, 100.0, hum.Max)
}

func TestLoadFileRejectsInvertedRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"temperature:\n  min: 50\n  max: -50\n",
	), 0o600))

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
