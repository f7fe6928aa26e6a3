package engine

import (
	"math"

	"github.com/e7canasta/orion-drowsiness/internal/types"
)

// Classify maps one observation to a per-frame level.
//
// A present face whose EAR is missing or NaN is input degradation and is
// classified Unknown like a lost face. Values outside [0,1] are compared as-is.
func Classify(obs types.Observation, cfg Config) types.Level {
	if !obs.FacePresent || obs.EAR == nil || math.IsNaN(*obs.EAR) {
		return types.LevelUnknown
	}

	ear := *obs.EAR
	switch {
	case ear < cfg.CriticalEARThreshold:
		return types.LevelCritical
	case ear < cfg.FatigueEARThreshold:
		return types.LevelFatigue
	default:
		return types.LevelAlert
	}
}
