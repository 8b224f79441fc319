package simulation

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"quickapi/internal/jobs"
	dErrors "quickapi/pkg/domain-errors"
	"quickapi/pkg/validation"
)

// Parameter and metadata keys accepted in the data field.
const (
	KeyMode       = "mode"
	KeyBlend      = "blend"
	KeyStyleMode  = "styleMode"
	KeyMixFactor  = "mixFactor"
	KeyBrightness = "brightness"
	KeyWhiten     = "whiten"

	KeyFeedbackScore      = "feedbackScore"
	KeyCaptureType        = "captureType"
	KeyExternalCustomerID = "externalCustomerId"
)

const (
	StyleModeAuto = "auto"
	StyleModeMix  = "mix_manual"

	BlendPoisson = "poisson"
)

// Variant describes one simulation endpoint: the API id clients are
// configured under, the parameters it pins and those callers may set.
type Variant struct {
	Kind         jobs.Kind
	APIID        string
	Path         string
	Force        map[string]any
	Customizable []string
}

var (
	// Cosmetic lets callers tune the rendering.
	Cosmetic = Variant{
		Kind:  jobs.KindCosmetic,
		APIID: "cosmetic-simulations",
		Path:  "/cosmetic",
		Force: map[string]any{
			KeyMode:  string(jobs.KindCosmetic),
			KeyBlend: BlendPoisson,
		},
		Customizable: []string{KeyMixFactor, KeyStyleMode, KeyWhiten, KeyBrightness},
	}

	// Ortho pins every parameter.
	Ortho = Variant{
		Kind:  jobs.KindOrtho,
		APIID: "ortho-simulations",
		Path:  "/ortho",
		Force: map[string]any{
			KeyMode:      string(jobs.KindOrtho),
			KeyBlend:     BlendPoisson,
			KeyStyleMode: StyleModeMix,
			KeyMixFactor: 0.0,
		},
	}
)

// Variants lists every simulation endpoint.
var Variants = []Variant{Cosmetic, Ortho}

// Params are the normalized job options.
type Params struct {
	Mode       string   `json:"mode" validate:"oneof=cosmetic ortho"`
	Blend      string   `json:"blend" validate:"oneof=poisson replace"`
	StyleMode  string   `json:"styleMode" validate:"oneof=auto mix_manual"`
	MixFactor  *float64 `json:"mixFactor" validate:"omitempty,gte=0,lte=1"`
	Brightness float64  `json:"brightness" validate:"gte=-1,lte=1"`
	Whiten     float64  `json:"whiten" validate:"gte=0,lte=1"`
}

// Map renders p for the job record. mixFactor is only present in mix mode.
func (p Params) Map() map[string]any {
	m := map[string]any{
		KeyMode:       p.Mode,
		KeyBlend:      p.Blend,
		KeyStyleMode:  p.StyleMode,
		KeyBrightness: p.Brightness,
		KeyWhiten:     p.Whiten,
	}
	if p.MixFactor != nil {
		m[KeyMixFactor] = *p.MixFactor
	}
	return m
}

// Metadata is caller-supplied context kept with the job.
type Metadata struct {
	FeedbackScore      *float64 `json:"feedbackScore,omitempty" validate:"omitempty,gte=0,lte=5"`
	CaptureType        string   `json:"captureType,omitempty" validate:"omitempty,oneof=file camera"`
	ExternalCustomerID string   `json:"externalCustomerId,omitempty" validate:"omitempty,max=256,printable"`
}

// Map renders the set metadata fields.
func (m Metadata) Map() map[string]any {
	out := map[string]any{}
	if m.FeedbackScore != nil {
		out[KeyFeedbackScore] = *m.FeedbackScore
	}
	if m.CaptureType != "" {
		out[KeyCaptureType] = m.CaptureType
	}
	if m.ExternalCustomerID != "" {
		out[KeyExternalCustomerID] = m.ExternalCustomerID
	}
	return out
}

// BuildParams derives the job options from the caller's data: keys the
// variant does not expose are dropped, forced values win, then values are
// normalized and validated.
func (v Variant) BuildParams(data map[string]any) (Params, error) {
	raw := make(map[string]any, len(v.Force)+len(v.Customizable))
	for _, key := range v.Customizable {
		if val, ok := data[key]; ok {
			raw[key] = val
		}
	}
	maps.Copy(raw, v.Force)

	var p Params
	var err error
	p.Mode = choice(raw[KeyMode], string(jobs.KindCosmetic))
	p.Blend = choice(raw[KeyBlend], BlendPoisson)
	p.StyleMode = choice(raw[KeyStyleMode], StyleModeAuto)
	if p.Brightness, err = number(KeyBrightness, raw[KeyBrightness]); err != nil {
		return Params{}, err
	}
	if p.Whiten, err = number(KeyWhiten, raw[KeyWhiten]); err != nil {
		return Params{}, err
	}
	if p.StyleMode == StyleModeMix {
		if _, set := raw[KeyMixFactor]; !set || raw[KeyMixFactor] == nil {
			return Params{}, dErrors.Validation(validation.SubtypeBodyValidation,
				fmt.Sprintf("%s is required when %s is %s", KeyMixFactor, KeyStyleMode, StyleModeMix))
		}
		mix, err := number(KeyMixFactor, raw[KeyMixFactor])
		if err != nil {
			return Params{}, err
		}
		p.MixFactor = &mix
	}

	if err := validation.Validate(p); err != nil {
		return Params{}, err
	}
	return p, nil
}

// BuildMetadata extracts the metadata keys from data.
func BuildMetadata(data map[string]any) (Metadata, error) {
	var m Metadata
	if val, ok := data[KeyFeedbackScore]; ok && val != nil {
		score, err := number(KeyFeedbackScore, val)
		if err != nil {
			return Metadata{}, err
		}
		m.FeedbackScore = &score
	}
	if val, ok := data[KeyCaptureType]; ok && val != nil {
		m.CaptureType = choice(val, "")
	}
	if val, ok := data[KeyExternalCustomerID]; ok && val != nil {
		m.ExternalCustomerID = strings.TrimSpace(fmt.Sprint(val))
	}
	if err := validation.Validate(m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// choice normalizes an enumerated value: trimmed and lowercased, def when unset.
func choice(val any, def string) string {
	s, ok := val.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return def
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// number accepts JSON numbers and numeric strings. Unset means zero.
func number(key string, val any) (float64, error) {
	switch n := val.(type) {
	case nil:
		return 0, nil
	case float64:
		return n, nil
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f, nil
		}
	case string:
		if strings.TrimSpace(n) == "" {
			return 0, nil
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f, nil
		}
	}
	return 0, dErrors.Validation(validation.SubtypeBodyValidation, key+" must be a number")
}

// keys lists map keys in order, for error details.
func keys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
