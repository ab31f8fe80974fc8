package classify

import (
	"strings"

	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

// Basis is what a rule inspects.
type Basis int

const (
	// BasisOutput rules fire on an output media kind only one tool produces.
	BasisOutput Basis = iota
	// BasisVersion rules match substrings of the model/version identifier.
	BasisVersion
	// BasisInput rules fingerprint the echoed input fields.
	BasisInput
)

func (b Basis) String() string {
	switch b {
	case BasisOutput:
		return "output"
	case BasisVersion:
		return "version"
	case BasisInput:
		return "input"
	default:
		return "unknown"
	}
}

// Rule is one predicate in the chain. Exactly the fields relevant to Basis are set.
type Rule struct {
	Name  string
	Tool  models.ToolKind
	Basis Basis

	// Kind is the output media kind for BasisOutput rules.
	Kind models.MediaKind
	// Substrings are matched against the identifier for BasisVersion rules.
	Substrings []string
	// Requires, AnyOf and Forbids describe input fields for BasisInput rules:
	// all of Requires, at least one of AnyOf (if set), none of Forbids.
	Requires []string
	AnyOf    []string
	Forbids  []string
}

// Match reports whether the rule fires for s.
func (r Rule) Match(s *Signals) bool {
	switch r.Basis {
	case BasisOutput:
		return s.OutputKind != models.MediaNone && s.OutputKind == r.Kind
	case BasisVersion:
		if s.Identifier == "" {
			return false
		}
		for _, sub := range r.Substrings {
			if strings.Contains(s.Identifier, sub) {
				return true
			}
		}
		return false
	case BasisInput:
		for _, f := range r.Requires {
			if !s.Has(f) {
				return false
			}
		}
		for _, f := range r.Forbids {
			if s.Has(f) {
				return false
			}
		}
		if len(r.AnyOf) == 0 {
			return true
		}
		for _, f := range r.AnyOf {
			if s.Has(f) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Specificity is the number of co-occurring fields an input rule demands.
func (r Rule) Specificity() int {
	n := len(r.Requires) + len(r.Forbids)
	if len(r.AnyOf) > 0 {
		n++
	}
	return n
}

// Produces lists the output media kinds each tool can deliver. Version and
// input rules are skipped when the callback's output contradicts them.
var Produces = map[models.ToolKind][]models.MediaKind{
	models.ToolVideoGenerate:  {models.MediaVideo},
	models.ToolVideoUpscale:   {models.MediaVideo},
	models.ToolVideoSwap:      {models.MediaVideo},
	models.ToolScriptToVideo:  {models.MediaVideo},
	models.ToolLogoBatch:      {models.MediaImage},
	models.ToolThumbnailBatch: {models.MediaImage},
	models.ToolFaceSwap:       {models.MediaImage},
	models.ToolMusic:          {models.MediaAudio},
	models.ToolVoiceOver:      {models.MediaAudio},
	models.ToolTitleGen:       {models.MediaText},
}

func produces(tool models.ToolKind, kind models.MediaKind) bool {
	if kind == models.MediaNone {
		return true
	}
	for _, k := range Produces[tool] {
		if k == kind {
			return true
		}
	}
	return false
}

// outputRules hold for media kinds exactly one tool delivers.
var outputRules = []Rule{
	{Name: "output-text", Tool: models.ToolTitleGen, Basis: BasisOutput, Kind: models.MediaText},
}

// versionRules match well-known model identifiers. Order matters only where
// substrings could overlap; upscalers come first because their identifiers
// often contain "video".
var versionRules = []Rule{
	{Name: "version-upscale", Tool: models.ToolVideoUpscale, Basis: BasisVersion,
		Substrings: []string{"video-upscale", "topazlabs", "real-esrgan-video", "video-upscaler"}},
	{Name: "version-video-swap", Tool: models.ToolVideoSwap, Basis: BasisVersion,
		Substrings: []string{"animate-replace", "wan-2.2-animate", "video-swap", "video-face-swap"}},
	{Name: "version-face-swap", Tool: models.ToolFaceSwap, Basis: BasisVersion,
		Substrings: []string{"face-swap", "faceswap", "face_swap"}},
	{Name: "version-script-to-video", Tool: models.ToolScriptToVideo, Basis: BasisVersion,
		Substrings: []string{"script-to-video"}},
	{Name: "version-video-generate", Tool: models.ToolVideoGenerate, Basis: BasisVersion,
		Substrings: []string{"kling", "seedance", "hailuo", "veo-", "wan-2.1-t2v", "wan-2.2-t2v"}},
	{Name: "version-logo", Tool: models.ToolLogoBatch, Basis: BasisVersion,
		Substrings: []string{"ideogram", "recraft", "logo"}},
	{Name: "version-thumbnail", Tool: models.ToolThumbnailBatch, Basis: BasisVersion,
		Substrings: []string{"flux", "thumbnail"}},
	{Name: "version-music", Tool: models.ToolMusic, Basis: BasisVersion,
		Substrings: []string{"musicgen", "stable-audio", "lyria", "music-01", "music-1.5"}},
	{Name: "version-voice", Tool: models.ToolVoiceOver, Basis: BasisVersion,
		Substrings: []string{"speech-02", "speech-2", "-tts", "tts-", "kokoro", "xtts"}},
	{Name: "version-title", Tool: models.ToolTitleGen, Basis: BasisVersion,
		Substrings: []string{"llama", "mistral", "gpt-", "granite"}},
}

// inputRules are ordered from the most specific field combination to the
// least: no rule may match the minimal payload of a more specific rule below it.
var inputRules = []Rule{
	{Name: "input-video-swap", Tool: models.ToolVideoSwap, Basis: BasisInput,
		Requires: []string{"character_image"}, AnyOf: []string{"video", "source_video", "driving_video"}},
	{Name: "input-face-swap", Tool: models.ToolFaceSwap, Basis: BasisInput,
		AnyOf: []string{"swap_image", "source_image"}, Requires: []string{"input_image"}},
	{Name: "input-upscale", Tool: models.ToolVideoUpscale, Basis: BasisInput,
		Requires: []string{"video"}, AnyOf: []string{"target_resolution", "upscale_factor", "target_fps"}},
	{Name: "input-script-to-video", Tool: models.ToolScriptToVideo, Basis: BasisInput,
		Requires: []string{"script"}},
	{Name: "input-voice-over", Tool: models.ToolVoiceOver, Basis: BasisInput,
		Requires: []string{"text"}, AnyOf: []string{"voice", "voice_id"}},
	{Name: "input-logo", Tool: models.ToolLogoBatch, Basis: BasisInput,
		AnyOf: []string{"company_name", "logo_style"}},
	{Name: "input-thumbnail", Tool: models.ToolThumbnailBatch, Basis: BasisInput,
		Requires: []string{"batch_id", "prompt"}, AnyOf: []string{"num_outputs", "aspect_ratio"}},
	{Name: "input-video-generate", Tool: models.ToolVideoGenerate, Basis: BasisInput,
		Requires: []string{"duration"}, AnyOf: []string{"resolution", "aspect_ratio"}, Forbids: []string{"character_image"}},
	{Name: "input-music-lyrics", Tool: models.ToolMusic, Basis: BasisInput,
		Requires: []string{"lyrics"}},
	{Name: "input-music", Tool: models.ToolMusic, Basis: BasisInput,
		Requires: []string{"prompt", "duration"}},
	{Name: "input-title", Tool: models.ToolTitleGen, Basis: BasisInput,
		Requires: []string{"prompt"}, AnyOf: []string{"max_tokens", "max_new_tokens", "system_prompt"}},
}

// DefaultRules returns the built-in chain in evaluation order.
func DefaultRules() []Rule {
	rules := make([]Rule, 0, len(outputRules)+len(versionRules)+len(inputRules))
	rules = append(rules, outputRules...)
	rules = append(rules, versionRules...)
	rules = append(rules, inputRules...)
	return rules
}
