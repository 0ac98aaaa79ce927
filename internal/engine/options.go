package engine

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
)

// FamilyOptions is the per-family configuration. It travels through the
// manifest as a TOML-encoded blob, so the manager never interprets it.
type FamilyOptions struct {
	// FillPercent is the page fill ratio used on splits (bolt only).
	// Zero keeps the engine default.
	FillPercent float64 `toml:"fill_percent,omitempty"`
	// MaxValueSize caps value length in bytes. Zero means no limit.
	MaxValueSize int    `toml:"max_value_size,omitempty"`
	Comment      string `toml:"comment,omitempty"`
}

// Validate checks option ranges.
func (o FamilyOptions) Validate() error {
	if o.FillPercent != 0 && (o.FillPercent < 0.1 || o.FillPercent > 1.0) {
		return fmt.Errorf("fill_percent %v out of range [0.1, 1.0]", o.FillPercent)
	}
	if o.MaxValueSize < 0 {
		return fmt.Errorf("max_value_size %d is negative", o.MaxValueSize)
	}
	return nil
}

// EncodeOptions renders o as the opaque blob stored in the manifest.
// The zero value encodes to an empty blob.
func EncodeOptions(o FamilyOptions) ([]byte, error) {
	if o == (FamilyOptions{}) {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(o); err != nil {
		return nil, fmt.Errorf("encoding family options: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeOptions parses a blob produced by EncodeOptions. Unknown keys are
// rejected so a typo in a config file does not silently fall back to
// defaults.
func DecodeOptions(blob []byte) (FamilyOptions, error) {
	var o FamilyOptions
	if len(blob) == 0 {
		return o, nil
	}
	md, err := toml.Decode(string(blob), &o)
	if err != nil {
		return FamilyOptions{}, fmt.Errorf("decoding family options: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return FamilyOptions{}, fmt.Errorf("decoding family options: unknown key %q", undecoded[0].String())
	}
	return o, nil
}
