package piuio

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// CabinetLight enumerates the cabinet lamps the output word can drive.
type CabinetLight int

const (
	CabinetMarqueeUL CabinetLight = iota
	CabinetMarqueeUR
	CabinetMarqueeLL
	CabinetMarqueeLR
	CabinetButtonsLeft
	CabinetButtonsRight
	CabinetBassLeft
	CabinetBassRight
	NumCabinetLights
)

// GameButton enumerates the per-player pad lamps.
type GameButton int

const (
	GameButtonLeft GameButton = iota
	GameButtonRight
	GameButtonUp
	GameButtonDown
	NumGameButtons
)

// NumControllers is the number of player pads on a cabinet.
const NumControllers = 2

// LightsState is a snapshot of every lamp the game wants lit, plus whether a
// coin event is currently being recorded.
type LightsState struct {
	CabinetLights    [NumCabinetLights]bool
	GameButtonLights [NumControllers][NumGameButtons]bool
	CoinCounter      bool
}

// StateSource supplies the current lights snapshot once per scan iteration.
// Implementations must be safe to call from the scan goroutine.
type StateSource interface {
	LightsState() LightsState
}

// phaseMask covers output bits 0-1 and 16-17, the scan phase selector. The
// lights composer never sets them.
const phaseMask uint32 = 0x00030003

// Mapping assigns an output bit to each lamp. The defaults match the PIUIO
// hardware; entries can be overridden from a mapping file.
type Mapping struct {
	CabinetLights  [NumCabinetLights]uint32
	GameLights     [NumControllers][NumGameButtons]uint32
	CoinCounterOn  uint32
	CoinCounterOff uint32
}

// DefaultMapping returns the device-defined PIUIO output layout.
func DefaultMapping() Mapping {
	return Mapping{
		CabinetLights: [NumCabinetLights]uint32{
			// UL, UR, LL, LR marquee lights
			1 << 23, 1 << 26, 1 << 25, 1 << 24,

			// selection buttons (not used), bass lights
			0, 0, 1 << 10, 1 << 10,
		},
		GameLights: [NumControllers][NumGameButtons]uint32{
			// Left, Right, Up, Down
			{1 << 20, 1 << 21, 1 << 18, 1 << 19}, // Player 1
			{1 << 4, 1 << 5, 1 << 2, 1 << 3},     // Player 2
		},
		CoinCounterOn:  1 << 28,
		CoinCounterOff: 1 << 27,
	}
}

// Compose folds a lights snapshot into the output word. The coin counter
// moves halfway on the "on" bit and completes on the "off" bit, so exactly
// one of the two is always present. Scan phase bits are never set here.
func (m *Mapping) Compose(s *LightsState) uint32 {
	var out uint32

	for cl, lit := range s.CabinetLights {
		if lit {
			out |= m.CabinetLights[cl]
		}
	}
	for gc := 0; gc < NumControllers; gc++ {
		for gb := 0; gb < int(NumGameButtons); gb++ {
			if s.GameButtonLights[gc][gb] {
				out |= m.GameLights[gc][gb]
			}
		}
	}

	if s.CoinCounter {
		out |= m.CoinCounterOn
	} else {
		out |= m.CoinCounterOff
	}

	return out &^ phaseMask
}

// mappingFile is the YAML override format. Every field is optional; absent
// fields keep their defaults. Values are output bit masks.
type mappingFile struct {
	CabinetLights  []uint32   `yaml:"cabinet_lights"`
	GameLights     [][]uint32 `yaml:"game_lights"`
	CoinCounterOn  *uint32    `yaml:"coin_counter_on"`
	CoinCounterOff *uint32    `yaml:"coin_counter_off"`
}

// LoadMapping reads mapping overrides from a YAML file on top of the
// defaults. A missing file is not an error; the defaults are returned.
func LoadMapping(path string) (Mapping, error) {
	m := DefaultMapping()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Debugf("piuio: no mapping file at %s, using defaults", path)
		return m, nil
	} else if err != nil {
		return m, fmt.Errorf("piuio: mapping file %s: %w", path, err)
	}

	var mf mappingFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return m, fmt.Errorf("piuio: mapping file %s: %w", path, err)
	}

	if len(mf.CabinetLights) > int(NumCabinetLights) {
		return m, fmt.Errorf("piuio: mapping file %s: %d cabinet lights, max %d", path, len(mf.CabinetLights), NumCabinetLights)
	}
	copy(m.CabinetLights[:], mf.CabinetLights)

	if len(mf.GameLights) > NumControllers {
		return m, fmt.Errorf("piuio: mapping file %s: %d controllers, max %d", path, len(mf.GameLights), NumControllers)
	}
	for gc, row := range mf.GameLights {
		if len(row) > int(NumGameButtons) {
			return m, fmt.Errorf("piuio: mapping file %s: controller %d has %d buttons, max %d", path, gc+1, len(row), NumGameButtons)
		}
		copy(m.GameLights[gc][:], row)
	}

	if mf.CoinCounterOn != nil {
		m.CoinCounterOn = *mf.CoinCounterOn
	}
	if mf.CoinCounterOff != nil {
		m.CoinCounterOff = *mf.CoinCounterOff
	}

	log.Debugf("piuio: loaded mapping overrides from %s", path)
	return m, nil
}
