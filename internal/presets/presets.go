// Package presets holds the grow presets and setting vocabularies the
// service understands, and turns them into device info updates.
package presets

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bilbercode/lykyn-sync/internal/devices"
)

// CustomGrowthMode is the preset used when a grower sets limits by hand.
const CustomGrowthMode = "CustomGrowthMode"

var (
	ErrUnknownPreset    = errors.New("unknown preset")
	ErrUnknownAnimation = errors.New("unknown light animation")
)

// Preset is a climate window for one mushroom variety.
type Preset struct {
	Name    string
	Label   string
	MinTemp int
	MaxTemp int
	MinHum  int
	MaxHum  int
}

var presets = map[string]Preset{
	"OysterPearlGrey":  {Label: "Oyster - Pearl / Grey", MinTemp: 12, MaxTemp: 20, MinHum: 85, MaxHum: 89},
	"OysterBlue":       {Label: "Oyster - Blue", MinTemp: 10, MaxTemp: 18, MinHum: 85, MaxHum: 88},
	"OysterGolden":     {Label: "Oyster - Golden", MinTemp: 20, MaxTemp: 28, MinHum: 84, MaxHum: 88},
	"OysterPink":       {Label: "Oyster - Pink", MinTemp: 24, MaxTemp: 30, MinHum: 85, MaxHum: 88},
	"OysterPhoenix":    {Label: "Oyster - Phoenix", MinTemp: 18, MaxTemp: 27, MinHum: 85, MaxHum: 88},
	"OysterBlackPearl": {Label: "Oyster - Black Pearl", MinTemp: 15, MaxTemp: 21, MinHum: 84, MaxHum: 88},
	"KingOyster":       {Label: "King Oyster / Trumpet", MinTemp: 15, MaxTemp: 18, MinHum: 83, MaxHum: 87},
	"LionsMane":        {Label: "Lion's Mane", MinTemp: 16, MaxTemp: 21, MinHum: 85, MaxHum: 90},
	"BearsHead":        {Label: "Bear's Head / Coral Tooth", MinTemp: 14, MaxTemp: 19, MinHum: 84, MaxHum: 88},
	"Shiitake":         {Label: "Shiitake", MinTemp: 13, MaxTemp: 22, MinHum: 85, MaxHum: 90},
	"Beech":            {Label: "Beech / Shimeji", MinTemp: 12, MaxTemp: 18, MinHum: 86, MaxHum: 89},
	"Pioppino":         {Label: "Pioppino / Black Poplar", MinTemp: 18, MaxTemp: 23, MinHum: 85, MaxHum: 89},
	"Chestnut":         {Label: "Chestnut", MinTemp: 16, MaxTemp: 20, MinHum: 84, MaxHum: 88},
	"Enoki":            {Label: "Enoki / Velvet Shank", MinTemp: 8, MaxTemp: 15, MinHum: 84, MaxHum: 89},
	"WoodEar":          {Label: "Wood Ear / Jelly Ear", MinTemp: 20, MaxTemp: 28, MinHum: 85, MaxHum: 90},
	"Button":           {Label: "Button / Cremini / Portobello", MinTemp: 16, MaxTemp: 19, MinHum: 86, MaxHum: 90},
	"Nameko":           {Label: "Nameko", MinTemp: 10, MaxTemp: 15, MinHum: 86, MaxHum: 90},
	"Maitake":          {Label: "Maitake / Hen Of The Woods", MinTemp: 12, MaxTemp: 18, MinHum: 85, MaxHum: 88},
	"AlmondAgaricus":   {Label: "Almond Agaricus", MinTemp: 20, MaxTemp: 26, MinHum: 84, MaxHum: 88},
	"Reishi":           {Label: "Reishi", MinTemp: 24, MaxTemp: 30, MinHum: 84, MaxHum: 88},
	"TurkeyTail":       {Label: "Turkey Tail", MinTemp: 16, MaxTemp: 24, MinHum: 84, MaxHum: 89},
	"Cordyceps":        {Label: "Cordyceps Militaris", MinTemp: 16, MaxTemp: 20, MinHum: 85, MaxHum: 90},
	"Milky":            {Label: "Milky", MinTemp: 28, MaxTemp: 32, MinHum: 85, MaxHum: 90},
	"PaddyStraw":       {Label: "Paddy Straw", MinTemp: 28, MaxTemp: 35, MinHum: 85, MaxHum: 90},
	"SnowFungus":       {Label: "Snow Fungus / Silver Ear", MinTemp: 24, MaxTemp: 28, MinHum: 84, MaxHum: 90},
	"Blewit":           {Label: "Blewit / Wood Blewit", MinTemp: 10, MaxTemp: 16, MinHum: 84, MaxHum: 88},
	"ShaggyMane":       {Label: "Shaggy Mane", MinTemp: 10, MaxTemp: 18, MinHum: 85, MaxHum: 89},
	"DungLoving":       {Label: "Dung Loving", MinTemp: 14, MaxTemp: 18, MinHum: 85, MaxHum: 88},
	CustomGrowthMode:   {Label: "Custom Growth Mode", MinTemp: 15, MaxTemp: 25, MinHum: 85, MaxHum: 90},
}

// Lookup returns the named preset.
func Lookup(name string) (Preset, bool) {
	p, ok := presets[name]
	if !ok {
		return Preset{}, false
	}
	p.Name = name
	return p, true
}

// Names lists every preset name, sorted.
func Names() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info is the settings update that selects the preset on a device.
func (p Preset) Info() devices.Info {
	return devices.Info{
		"selectedMushroom": p.Name,
		"minTemp":          p.MinTemp,
		"maxTemp":          p.MaxTemp,
		"minHum":           p.MinHum,
		"maxHum":           p.MaxHum,
	}
}

// PresetUpdate is the settings update for the named preset.
func PresetUpdate(name string) (devices.Info, error) {
	p, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPreset, name)
	}
	return p.Info(), nil
}
