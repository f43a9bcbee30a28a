// Package preset defines the closed set of compression quality presets. Each
// preset maps to a specific group of Ghostscript arguments plus an expected
// compression ratio used for user-facing estimates.
package preset

import (
	"fmt"
	"sort"
)

// Preset describes one compression quality level.
type Preset struct {
	Key                 string   `json:"key"`
	Name                string   `json:"name"`
	Description         string   `json:"description"`
	GhostscriptArgs     []string `json:"-"`
	ExpectedCompression float64  `json:"expected_compression"`
}

// ExpectedReductionPercent returns the advertised size reduction, e.g. an
// expected compression of 0.4 means a 60% reduction.
func (p Preset) ExpectedReductionPercent() int {
	return int((1 - p.ExpectedCompression) * 100)
}

var presets = map[string]Preset{
	"high": {
		Key:         "high",
		Name:        "High Quality",
		Description: "Minimal compression, best quality",
		GhostscriptArgs: []string{
			"-dPDFSETTINGS=/printer",
			"-dColorImageResolution=300",
			"-dGrayImageResolution=300",
			"-dMonoImageResolution=1200",
		},
		ExpectedCompression: 0.7,
	},
	"medium": {
		Key:         "medium",
		Name:        "Medium Quality",
		Description: "Balanced compression and quality",
		GhostscriptArgs: []string{
			"-dPDFSETTINGS=/ebook",
			"-dColorImageResolution=150",
			"-dGrayImageResolution=150",
			"-dMonoImageResolution=600",
		},
		ExpectedCompression: 0.4,
	},
	"low": {
		Key:         "low",
		Name:        "Low Quality",
		Description: "Maximum compression, smallest size",
		GhostscriptArgs: []string{
			"-dPDFSETTINGS=/screen",
			"-dColorImageResolution=72",
			"-dGrayImageResolution=72",
			"-dMonoImageResolution=300",
		},
		ExpectedCompression: 0.2,
	},
	"20": {
		Key:         "20",
		Name:        "20% Reduction (Minimal)",
		Description: "Minimal compression, excellent quality",
		GhostscriptArgs: []string{
			"-dPDFSETTINGS=/printer",
			"-dColorImageResolution=300",
			"-dGrayImageResolution=300",
			"-dMonoImageResolution=1200",
		},
		ExpectedCompression: 0.8,
	},
	"30": {
		Key:         "30",
		Name:        "30% Reduction",
		Description: "Light compression, very good quality",
		GhostscriptArgs: []string{
			"-dPDFSETTINGS=/printer",
			"-dColorImageResolution=250",
			"-dGrayImageResolution=250",
			"-dMonoImageResolution=1000",
		},
		ExpectedCompression: 0.7,
	},
	"40": {
		Key:         "40",
		Name:        "40% Reduction",
		Description: "Moderate compression, good quality",
		GhostscriptArgs: []string{
			"-dPDFSETTINGS=/ebook",
			"-dColorImageResolution=200",
			"-dGrayImageResolution=200",
			"-dMonoImageResolution=800",
		},
		ExpectedCompression: 0.6,
	},
	"50": {
		Key:         "50",
		Name:        "50% Reduction (Balanced)",
		Description: "Balanced compression and quality",
		GhostscriptArgs: []string{
			"-dPDFSETTINGS=/ebook",
			"-dColorImageResolution=150",
			"-dGrayImageResolution=150",
			"-dMonoImageResolution=600",
		},
		ExpectedCompression: 0.5,
	},
	"60": {
		Key:         "60",
		Name:        "60% Reduction",
		Description: "Strong compression, fair quality",
		GhostscriptArgs: []string{
			"-dPDFSETTINGS=/screen",
			"-dColorImageResolution=120",
			"-dGrayImageResolution=120",
			"-dMonoImageResolution=400",
		},
		ExpectedCompression: 0.4,
	},
	"70": {
		Key:         "70",
		Name:        "70% Reduction (Maximum)",
		Description: "Maximum compression, basic quality",
		GhostscriptArgs: []string{
			"-dPDFSETTINGS=/screen",
			"-dColorImageResolution=96",
			"-dGrayImageResolution=96",
			"-dMonoImageResolution=300",
		},
		ExpectedCompression: 0.3,
	},
}

// Lookup returns the preset for key.
func Lookup(key string) (Preset, error) {
	p, ok := presets[key]
	if !ok {
		return Preset{}, fmt.Errorf("unknown quality preset %q", key)
	}
	return p, nil
}

// Valid reports whether key names a known preset.
func Valid(key string) bool {
	_, ok := presets[key]
	return ok
}

// All returns every preset sorted by key for stable API responses.
func All() []Preset {
	out := make([]Preset, 0, len(presets))
	for _, p := range presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
