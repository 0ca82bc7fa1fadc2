// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config parses and validates the external configuration
// keys an index instance is built from (SPEC_FULL.md §6): either
// a flat map[string]string (as passed down from a table/column
// property bag) or a YAML document.
package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/tsindex/simidx/elb"
	"github.com/tsindex/simidx/errs"
	"github.com/tsindex/simidx/rtree"
	"github.com/tsindex/simidx/window"
)

// Config is the fully validated, normalized form of an index's
// external configuration.
type Config struct {
	WindowRange  int     `json:"window_range"`
	SlideStep    int     `json:"slide_step"`
	FeatureDim   int     `json:"feature_dim"`
	ElbType      elb.Type `json:"elb_type"`
	ThresholdBase  float64 `json:"elb_threshold_base"`
	ThresholdRatio float64 `json:"elb_threshold_ratio"`

	RangeStrategyKind string `json:"index_range_strategy"`
	RangeStrategySince int64 `json:"index_range_since"`

	MinEntries int               `json:"min_entries"`
	MaxEntries int               `json:"max_entries"`
	Split      rtree.SplitStrategy `json:"split_strategy"`

	StoreIdentifier bool `json:"store_identifier"`
	StoreAligned    bool `json:"store_aligned"`
	StoreFeatures   bool `json:"store_features"`

	Codec string `json:"codec"`

	DTWWindow float64 `json:"dtw_window"`
}

// raw mirrors Config field-for-field with string/bool-friendly
// types, matching the map[string]string wire shape used by table
// property bags as well as a YAML document's string scalars.
type raw struct {
	WindowRange    string `json:"window_range"`
	SlideStep      string `json:"slide_step"`
	FeatureDim     string `json:"feature_dim"`
	ElbType        string `json:"elb_type"`
	ElbCalcParam   string `json:"elb_calc_param"`
	ThresholdBase  string `json:"elb_threshold_base"`
	ThresholdRatio string `json:"elb_threshold_ratio"`

	RangeStrategy string `json:"index_range_strategy"`
	RangeSince    string `json:"index_range_since"`

	MinEntries string `json:"min_entries"`
	MaxEntries string `json:"max_entries"`
	Split      string `json:"split_strategy"`

	StoreIdentifier string `json:"store_identifier"`
	StoreAligned    string `json:"store_aligned"`
	StoreFeatures   string `json:"store_features"`

	Codec string `json:"codec"`

	DTWWindow string `json:"dtw_window"`
}

// FromMap validates and normalizes a flat string-keyed property
// bag, as would arrive from a column's index configuration.
func FromMap(m map[string]string) (Config, error) {
	return fromRaw(raw{
		WindowRange:     m["window_range"],
		SlideStep:       m["slide_step"],
		FeatureDim:      m["feature_dim"],
		ElbType:         m["elb_type"],
		ElbCalcParam:    m["elb_calc_param"],
		ThresholdBase:   m["elb_threshold_base"],
		ThresholdRatio:  m["elb_threshold_ratio"],
		RangeStrategy:   m["index_range_strategy"],
		RangeSince:      m["index_range_since"],
		MinEntries:      m["min_entries"],
		MaxEntries:      m["max_entries"],
		Split:           m["split_strategy"],
		StoreIdentifier: m["store_identifier"],
		StoreAligned:    m["store_aligned"],
		StoreFeatures:   m["store_features"],
		Codec:           m["codec"],
		DTWWindow:       m["dtw_window"],
	})
}

// FromYAML parses a YAML document (e.g. an index definition file
// alongside a table's other DDL) into a validated Config.
func FromYAML(doc []byte) (Config, error) {
	var r raw
	if err := yaml.Unmarshal(doc, &r); err != nil {
		return Config{}, fmt.Errorf("%w: %v", errs.ErrConfig, err)
	}
	return fromRaw(r)
}

func fromRaw(r raw) (Config, error) {
	var c Config
	var err error

	if c.WindowRange, err = parseIntDefault(r.WindowRange, 0); err != nil {
		return Config{}, err
	}
	if c.WindowRange <= 0 {
		return Config{}, fmt.Errorf("%w: window_range must be a positive integer", errs.ErrConfig)
	}
	if c.SlideStep, err = parseIntDefault(r.SlideStep, c.WindowRange); err != nil {
		return Config{}, err
	}
	if c.SlideStep <= 0 {
		return Config{}, fmt.Errorf("%w: slide_step must be a positive integer", errs.ErrConfig)
	}
	if c.FeatureDim, err = parseIntDefault(r.FeatureDim, 4); err != nil {
		return Config{}, err
	}
	if c.FeatureDim <= 0 || c.FeatureDim > c.WindowRange {
		return Config{}, fmt.Errorf("%w: feature_dim must be a positive integer no greater than window_range", errs.ErrConfig)
	}

	switch elb.Type(r.ElbType) {
	case "", elb.ELE:
		c.ElbType = elb.ELE
	case elb.ELBGroup:
		c.ElbType = elb.ELBGroup
	case elb.SS:
		c.ElbType = elb.SS
	default:
		return Config{}, fmt.Errorf("%w: unknown elb_type %q", errs.ErrConfig, r.ElbType)
	}
	if r.ElbCalcParam != "" && r.ElbCalcParam != "single" {
		return Config{}, fmt.Errorf("%w: unknown elb_calc_param %q", errs.ErrConfig, r.ElbCalcParam)
	}
	baseSet := r.ThresholdBase != ""
	ratioSet := r.ThresholdRatio != ""
	if c.ThresholdBase, err = parseFloatDefault(r.ThresholdBase, 0); err != nil {
		return Config{}, err
	}
	if c.ThresholdRatio, err = parseFloatDefault(r.ThresholdRatio, 0); err != nil {
		return Config{}, err
	}
	calc := elb.NewCalcParam(c.ThresholdBase, c.ThresholdRatio, baseSet, ratioSet)
	c.ThresholdBase, c.ThresholdRatio = calc.Base, calc.Ratio

	switch r.RangeStrategy {
	case "", "default", "all":
		c.RangeStrategyKind = "default"
		if r.RangeStrategy == "all" {
			c.RangeStrategyKind = "all"
		}
	case "within":
		c.RangeStrategyKind = "within"
		if c.RangeStrategySince, err = parseInt64Default(r.RangeSince, 0); err != nil {
			return Config{}, err
		}
	default:
		return Config{}, fmt.Errorf("%w: unknown index_range_strategy %q", errs.ErrConfig, r.RangeStrategy)
	}

	if c.MinEntries, err = parseIntDefault(r.MinEntries, 2); err != nil {
		return Config{}, err
	}
	if c.MaxEntries, err = parseIntDefault(r.MaxEntries, 50); err != nil {
		return Config{}, err
	}
	if c.MinEntries > c.MaxEntries {
		// Scenario 6 (SPEC_FULL.md §8): an inverted min/max
		// pair is repaired, not rejected.
		c.MinEntries, c.MaxEntries = c.MaxEntries, c.MinEntries
	}
	if c.MinEntries < 1 {
		c.MinEntries = 1
	}
	if c.MaxEntries < 2 {
		c.MaxEntries = 2
	}
	if c.MinEntries > c.MaxEntries/2 {
		c.MinEntries = c.MaxEntries / 2
		if c.MinEntries < 1 {
			c.MinEntries = 1
		}
	}

	// the seed-picker names are conventionally written in upper
	// case in index DDL; accept either casing
	switch rtree.SplitStrategy(strings.ToLower(r.Split)) {
	case "", rtree.Linear:
		c.Split = rtree.Linear
	case rtree.Quadratic:
		c.Split = rtree.Quadratic
	default:
		return Config{}, fmt.Errorf("%w: unknown split_strategy %q", errs.ErrConfig, r.Split)
	}

	if c.StoreIdentifier, err = parseBoolDefault(r.StoreIdentifier, false); err != nil {
		return Config{}, err
	}
	if c.StoreAligned, err = parseBoolDefault(r.StoreAligned, false); err != nil {
		return Config{}, err
	}
	if c.StoreFeatures, err = parseBoolDefault(r.StoreFeatures, false); err != nil {
		return Config{}, err
	}

	c.Codec = r.Codec
	switch c.Codec {
	case "":
		c.Codec = "zstd"
	case "zstd", "zstd-better", "s2", "none":
	default:
		return Config{}, fmt.Errorf("%w: unknown codec %q", errs.ErrConfig, r.Codec)
	}

	if c.DTWWindow, err = parseFloatDefault(r.DTWWindow, 1.0); err != nil {
		return Config{}, err
	}
	if c.DTWWindow < 0 || c.DTWWindow > 1 {
		return Config{}, fmt.Errorf("%w: dtw_window must be in [0, 1]", errs.ErrConfig)
	}

	return c, nil
}

// Query holds the query-only configuration keys: the pattern to
// search for (required) and the acceptance threshold (default:
// accept everything the index surfaces).
type Query struct {
	Pattern   []float64
	Threshold float64
}

// QueryFromMap parses the query-only keys out of a property bag.
func QueryFromMap(m map[string]string) (Query, error) {
	pat := strings.TrimSpace(m["pattern"])
	if pat == "" {
		return Query{}, fmt.Errorf("%w: pattern is required", errs.ErrConfig)
	}
	parts := strings.Split(pat, ",")
	q := Query{Pattern: make([]float64, 0, len(parts))}
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Query{}, fmt.Errorf("%w: pattern element %q is not a number", errs.ErrConfig, p)
		}
		q.Pattern = append(q.Pattern, v)
	}
	var err error
	if q.Threshold, err = parseFloatDefault(m["threshold"], math.Inf(1)); err != nil {
		return Query{}, err
	}
	return q, nil
}

// WindowConfig projects the fields window.Config needs.
func (c Config) WindowConfig() window.Config {
	return window.Config{
		Window:          c.WindowRange,
		Slide:           c.SlideStep,
		StoreIdentifier: c.StoreIdentifier,
		StoreAligned:    c.StoreAligned,
		AlignedSize:     c.WindowRange,
	}
}

func parseIntDefault(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", errs.ErrConfig, s)
	}
	return v, nil
}

func parseInt64Default(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", errs.ErrConfig, s)
	}
	return v, nil
}

func parseFloatDefault(s string, def float64) (float64, error) {
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", errs.ErrConfig, s)
	}
	return v, nil
}

func parseBoolDefault(s string, def bool) (bool, error) {
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%w: %q is not a boolean", errs.ErrConfig, s)
	}
	return v, nil
}
