package presets

import (
	"fmt"

	"github.com/bilbercode/lykyn-sync/internal/devices"
)

const (
	LightModeAnimation = "ANIMATION"
	LightModeSolid     = "SOLID"
	LightModeOff       = "OFF"

	ControlSmart  = "SMART"
	ControlManual = "MANUAL"
)

var (
	LightModes      = []string{LightModeAnimation, LightModeSolid, LightModeOff}
	LightAnimations = []string{"AURORA", "BREATH", "RGB_WAVE", "RAINBOW", "CONFETTI", "SUNSETFADE"}
	ControlTypes    = []string{ControlSmart, ControlManual}
)

// DefaultLight is what a light switched on from OFF falls back to.
var DefaultLight = devices.Info{
	"lightMode":       LightModeAnimation,
	"lightColor":      "#FFFFFF",
	"lightBrightness": 50,
	"lightAnimation":  "RAINBOW",
}

// AnimationUpdate switches the light into animation mode with the given
// animation.
func AnimationUpdate(animation string) (devices.Info, error) {
	if !contains(LightAnimations, animation) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAnimation, animation)
	}
	return devices.Info{
		"lightMode":      LightModeAnimation,
		"lightAnimation": animation,
	}, nil
}

// LightOn turns the light on. A light that is currently off comes back in
// the default animation.
func LightOn(current devices.Info) devices.Info {
	update := devices.Info{"light": true}
	if mode, _ := current.String("lightMode"); mode == "" || mode == LightModeOff {
		update["lightMode"] = DefaultLight["lightMode"]
		update["lightAnimation"] = DefaultLight["lightAnimation"]
	}
	return update
}

// LightOff turns the light off.
func LightOff() devices.Info {
	return devices.Info{"light": false, "lightMode": LightModeOff}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
