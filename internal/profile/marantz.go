package profile

import (
	"strconv"

	"github.com/nerrad567/avrbridge/internal/engine"
)

// volumeMaxOff is the raw limit reported when the volume limiter is off.
const volumeMaxOff = 945

// Marantz returns the definition for Marantz network receivers (main zone).
//
// Processor order matters: the subwoofer level must be tried before the
// subwoofer enable toggle that shares its prefix, and the catch-all surround
// and source patterns only see lines nothing else claimed.
func Marantz() *Definition {
	return &Definition{
		Name: "marantz",
		Properties: []engine.Property{
			{Name: "power", Kind: engine.KindBool},
			{Name: "volume.master", Kind: engine.KindFloat},
			{Name: "volume.master.max", Kind: engine.KindFloat},
			{Name: "volume.mute", Kind: engine.KindBool},
			{Name: "volume.subwoofer.level", Kind: engine.KindInt},
			{Name: "volume.subwoofer.level.enabled", Kind: engine.KindBool},
			{Name: "surroundMode", Kind: engine.KindString},
			{Name: "source", Kind: engine.KindString},
		},
		Commands: []Command{
			{Property: "power", Query: "ZM?", Apply: "ZM%s"},
			{Property: "volume.master", Query: "MV?", Apply: "MV%s"},
			{Property: "volume.mute", Query: "MU?", Apply: "MU%s"},
			{Property: "volume.subwoofer.level", Query: "PSSWL ?", Apply: "PSSWL %s"},
			{Property: "surroundMode", Query: "MS?", Apply: "MS%s"},
			{Property: "source", Query: "SI?", Apply: "SI%s"},
		},
		Processors: []Processor{
			{Property: "power", Pattern: `^ZM(ON|OFF)$`, Extract: engine.OnOff("ON")},
			{Property: "volume.master", Pattern: `^MV(\d{2,3})$`, Extract: volume},
			{Property: "volume.master.max", Pattern: `^(?:MVMAX|SSVCTZMALIM) (\d{2,3}|OFF)$`, Extract: volumeMax},
			{Property: "volume.mute", Pattern: `^MU(ON|OFF)$`, Extract: engine.OnOff("ON")},
			{Property: "volume.subwoofer.level", Pattern: `^PSSWL (\d{2})$`, Extract: engine.Integer()},
			{Property: "volume.subwoofer.level.enabled", Pattern: `^PSSWL (ON|OFF)$`, Extract: engine.OnOff("ON")},
			{Property: "surroundMode", Pattern: `^MS(.*)$`, Extract: engine.Text()},
			{Property: "source", Pattern: `^SI(.*)$`, Extract: engine.Text()},
		},
		Refresh: []string{
			"power",
			"volume.master",
			"volume.mute",
			"volume.subwoofer.level",
			"surroundMode",
			"source",
		},
	}
}

// volume decodes two or three digit volume steps. Three digit values carry
// a trailing half step ("455" is 45.5).
func volume(groups []string) (engine.Extraction, error) {
	n, err := strconv.Atoi(groups[1])
	if err != nil {
		return engine.Extraction{}, err
	}
	return engine.Extraction{Value: scaleVolume(n)}, nil
}

func volumeMax(groups []string) (engine.Extraction, error) {
	if groups[1] == "OFF" {
		return engine.Extraction{Value: scaleVolume(volumeMaxOff)}, nil
	}
	return volume(groups)
}

func scaleVolume(n int) float64 {
	v := float64(n)
	if v > 100 {
		v /= 10
	}
	return v
}
