package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Patch is a partial settings update. Nil fields are left unchanged.
type Patch struct {
	SonarModel       *string  `json:"sonar_model,omitempty"`
	WaveformMode     *string  `json:"waveform_mode,omitempty"`
	EncodeMode       *string  `json:"encode_mode,omitempty"`
	DepthOffset      *float64 `json:"depth_offset,omitempty"`
	SurveyID         *string  `json:"survey_id,omitempty"`
	SurveyName       *string  `json:"survey_name,omitempty"`
	PlatformType     *string  `json:"platform_type,omitempty"`
	PlatformName     *string  `json:"platform_name,omitempty"`
	PlatformCodeICES *string  `json:"platform_code_ICES,omitempty"`
}

// Empty reports whether p changes nothing.
func (p Patch) Empty() bool {
	return p == Patch{}
}

// ParsePatch decodes a settings patch. Each property may be given directly
// ("survey_id": "S1") or wrapped the way device-twin documents carry it
// ("survey_id": {"value": "S1"}). depth_offset also accepts a numeric string,
// with "" meaning zero. Unknown properties are ignored.
func ParsePatch(raw []byte) (Patch, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Patch{}, fmt.Errorf("settings: decode patch: %w", err)
	}

	var p Patch
	strField := func(key string, dst **string) error {
		v, ok := fields[key]
		if !ok {
			return nil
		}
		var s string
		if err := json.Unmarshal(unwrapValue(v), &s); err != nil {
			return fmt.Errorf("settings: %s: expected string: %w", key, err)
		}
		*dst = &s
		return nil
	}
	for key, dst := range map[string]**string{
		"sonar_model":        &p.SonarModel,
		"waveform_mode":      &p.WaveformMode,
		"encode_mode":        &p.EncodeMode,
		"survey_id":          &p.SurveyID,
		"survey_name":        &p.SurveyName,
		"platform_type":      &p.PlatformType,
		"platform_name":      &p.PlatformName,
		"platform_code_ICES": &p.PlatformCodeICES,
	} {
		if err := strField(key, dst); err != nil {
			return Patch{}, err
		}
	}

	if v, ok := fields["depth_offset"]; ok {
		off, err := parseDepthOffset(unwrapValue(v))
		if err != nil {
			return Patch{}, err
		}
		p.DepthOffset = &off
	}
	return p, nil
}

// unwrapValue returns the "value" member of a {"value": x} object, or v.
func unwrapValue(v json.RawMessage) json.RawMessage {
	if !bytes.HasPrefix(bytes.TrimSpace(v), []byte("{")) {
		return v
	}
	var wrapped struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(v, &wrapped); err != nil || wrapped.Value == nil {
		return v
	}
	return wrapped.Value
}

func parseDepthOffset(v json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, fmt.Errorf("settings: depth_offset: expected number or numeric string")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("settings: depth_offset: %q is not a number", s)
	}
	return f, nil
}
