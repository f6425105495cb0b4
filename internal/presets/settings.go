package presets

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/bilbercode/lykyn-sync/internal/devices"
)

// ErrInvalidSetting is wrapped by every Validate failure.
var ErrInvalidSetting = errors.New("invalid setting")

type numberRange struct {
	min, max float64
	integer  bool
}

// numeric settings the device accepts, with their bounds
var numberSettings = map[string]numberRange{
	"airin":                      {0, 3, true},
	"airout":                     {0, 3, true},
	"minTemp":                    {0, 40, false},
	"maxTemp":                    {0, 40, false},
	"minHum":                     {0, 100, false},
	"maxHum":                     {0, 100, false},
	"airinOn":                    {0, 60, false},
	"airinOff":                   {0, 60, false},
	"airoutOn":                   {0, 60, false},
	"airoutOff":                  {0, 60, false},
	"humidifierOnDuration":       {0, 60, false},
	"humidifierBelowMinDuration": {0, 60, false},
	"lightBrightness":            {0, 100, false},
}

var enumSettings = map[string]func() []string{
	"lightMode":        func() []string { return LightModes },
	"lightAnimation":   func() []string { return LightAnimations },
	"controlType":      func() []string { return ControlTypes },
	"selectedMushroom": Names,
}

var boolSettings = map[string]bool{
	"light":      true,
	"humidifier": true,
}

// Validate checks the settings it knows about in a partial update. Keys it
// does not know, including nested objects such as "smart", pass through.
func Validate(partial devices.Info) error {
	var problems []string
	for _, key := range sortedKeys(partial) {
		if err := validateOne(partial, key); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSetting, strings.Join(problems, "; "))
	}
	return nil
}

func validateOne(partial devices.Info, key string) error {
	if r, ok := numberSettings[key]; ok {
		v, ok := partial.Float(key)
		if !ok {
			return fmt.Errorf("%s must be a number", key)
		}
		if v < r.min || v > r.max {
			return fmt.Errorf("%s must be between %v and %v", key, r.min, r.max)
		}
		if r.integer && v != math.Trunc(v) {
			return fmt.Errorf("%s must be a whole number", key)
		}
		return nil
	}
	if values, ok := enumSettings[key]; ok {
		v, ok := partial.String(key)
		if !ok || !contains(values(), v) {
			return fmt.Errorf("%s must be one of %s", key, strings.Join(values(), ", "))
		}
		return nil
	}
	if boolSettings[key] {
		if _, ok := partial.Bool(key); !ok {
			return fmt.Errorf("%s must be true or false", key)
		}
	}
	return nil
}

func sortedKeys(i devices.Info) []string {
	keys := make([]string, 0, len(i))
	for k := range i {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
