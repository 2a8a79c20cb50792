// Package piuio drives the PIUIO arcade I/O board: a 4-phase multiplexed
// sensor scan over USB, and an output bitfield for cabinet, pad and coin
// counter lights. The bit layout is fixed by the hardware.
package piuio

import (
	"fmt"
	"strings"
)

// ErrBoardNotFound is an error that indicates no PIUIO board could be opened
var ErrBoardNotFound = fmt.Errorf("PIUIO board not found")

// ErrRedundantInstance is an error that indicates a handler already owns the
// board in this process
var ErrRedundantInstance = fmt.Errorf("redundant PIUIO handler")

// Board is the USB transport the handler drives. Write selects the sensor
// set (and lights), Read returns the selected set's input word.
// BulkReadWrite takes an 8-word buffer with output words in the even slots
// and overwrites them in place with the matching input words.
type Board interface {
	Open() error
	Close() error
	Write(data uint32) error
	Read(data *uint32) error
	BulkReadWrite(buf []uint32) error
}

// NumButtons is the width of the input field; input bit 31-k is button k.
const NumButtons = 32

// numSensors is the number of multiplexed sensor sets per button
const numSensors = 4

// Sensor identifies one of the four multiplexed sensor sets a pad button
// carries.
type Sensor int

const (
	SensorRight Sensor = iota
	SensorLeft
	SensorBottom
	SensorTop
)

var sensorNames = [numSensors]string{"right", "left", "bottom", "top"}

func (s Sensor) String() string {
	if s < 0 || int(s) >= numSensors {
		return fmt.Sprintf("Sensor(%d)", int(s))
	}
	return sensorNames[s]
}

// sensorsFor reports which sensor sets saw the given button. On PIUIO every
// non-pad button reports all four sensors, so an all-four reading carries no
// information and is returned as empty.
func sensorsFor(input *[numSensors]uint32, button int) []Sensor {
	var out []Sensor
	for i := 0; i < numSensors; i++ {
		if input[i]&(1<<(31-button)) != 0 {
			out = append(out, Sensor(i))
		}
	}
	if len(out) == numSensors {
		return nil
	}
	return out
}

// SensorDescription names the given sensors, comma separated, in the order
// they appear in the slice (sensorsFor yields right/left/bottom/top order).
func SensorDescription(sensors []Sensor) string {
	names := make([]string, len(sensors))
	for i, s := range sensors {
		names[i] = s.String()
	}
	return strings.Join(names, ", ")
}

func bitsToString(v uint32) string {
	var sb strings.Builder
	for i := 0; i < 32; i++ {
		if v&(1<<(31-i)) != 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// debugLine formats one scan iteration's four input words and the last
// output word for the periodic telemetry report.
func debugLine(input *[numSensors]uint32, write uint32) string {
	var sb strings.Builder
	sb.WriteString("Input:\n")
	for i := 0; i < numSensors; i++ {
		sb.WriteString("\t" + bitsToString(input[i]) + "\n")
	}
	sb.WriteString("Output:\n\t" + bitsToString(write))
	return sb.String()
}
