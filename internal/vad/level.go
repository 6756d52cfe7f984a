// Package vad implements the energy-threshold voice activity gate that
// decides when an utterance starts.
//
// Levels are expressed as 20·log10(rms) over the raw int16 sample values, so
// full-scale audio peaks near 90 and a quiet room usually sits between 10
// and 30. Digital silence has a level of 0.
package vad

import (
	"math"

	"github.com/MrWong99/kikitori/pkg/audio"
)

// RMS returns the root-mean-square amplitude of the int16 samples in f.
// It is 0 for an empty frame.
func RMS(f audio.Frame) float64 {
	n := len(f.Data) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(uint16(f.Data[2*i]) | uint16(f.Data[2*i+1])<<8))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Level returns the loudness of f in decibels relative to one sample unit.
// A frame with zero energy has level 0.
func Level(f audio.Frame) float64 {
	return LevelFromRMS(RMS(f))
}

// LevelFromRMS converts an rms amplitude to the decibel scale used by the
// gate.
func LevelFromRMS(rms float64) float64 {
	if rms <= 0 {
		return 0
	}
	return 20 * math.Log10(rms)
}
