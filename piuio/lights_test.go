package piuio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComposeMarqueeAndCoinOff(t *testing.T) {
	m := DefaultMapping()

	var s LightsState
	s.CabinetLights[CabinetMarqueeUL] = true

	require.Equal(t, uint32(1<<23|1<<27), m.Compose(&s))
}

func TestComposeCoinCounter(t *testing.T) {
	m := DefaultMapping()

	var s LightsState
	require.Equal(t, uint32(1<<27), m.Compose(&s))

	s.CoinCounter = true
	require.Equal(t, uint32(1<<28), m.Compose(&s))
}

func TestComposeGameLights(t *testing.T) {
	m := DefaultMapping()

	var s LightsState
	s.GameButtonLights[0][GameButtonLeft] = true
	s.GameButtonLights[1][GameButtonUp] = true
	s.CabinetLights[CabinetBassLeft] = true

	want := uint32(1<<20 | 1<<2 | 1<<10 | 1<<27)
	require.Equal(t, want, m.Compose(&s))
}

// The composer must never touch the scan phase selector bits, even when a
// mapping override collides with them.
func TestComposeClearsPhaseBits(t *testing.T) {
	m := DefaultMapping()
	m.CabinetLights[CabinetMarqueeUL] = phaseMask | 1<<23

	var s LightsState
	for cl := range s.CabinetLights {
		s.CabinetLights[cl] = true
	}
	for gc := range s.GameButtonLights {
		for gb := range s.GameButtonLights[gc] {
			s.GameButtonLights[gc][gb] = true
		}
	}

	require.Zero(t, m.Compose(&s)&phaseMask)
}

func TestLoadMappingMissingFile(t *testing.T) {
	m, err := LoadMapping(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	require.Equal(t, DefaultMapping(), m)
}

func TestLoadMappingOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "piuio.yml")
	data := `
cabinet_lights: [0x100, 0x200]
game_lights:
  - [0x10, 0x20, 0x40, 0x80]
coin_counter_on: 0x1000
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	m, err := LoadMapping(path)
	require.NoError(t, err)

	require.Equal(t, uint32(0x100), m.CabinetLights[CabinetMarqueeUL])
	require.Equal(t, uint32(0x200), m.CabinetLights[CabinetMarqueeUR])
	// entries past the override keep their defaults
	require.Equal(t, DefaultMapping().CabinetLights[CabinetMarqueeLL], m.CabinetLights[CabinetMarqueeLL])

	require.Equal(t, [NumGameButtons]uint32{0x10, 0x20, 0x40, 0x80}, m.GameLights[0])
	require.Equal(t, DefaultMapping().GameLights[1], m.GameLights[1])

	require.Equal(t, uint32(0x1000), m.CoinCounterOn)
	require.Equal(t, DefaultMapping().CoinCounterOff, m.CoinCounterOff)
}

func TestLoadMappingTooManyEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "piuio.yml")
	data := `
cabinet_lights: [1, 2, 3, 4, 5, 6, 7, 8, 9]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	_, err := LoadMapping(path)
	require.Error(t, err)
}
