package matching

import (
	"embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed config/rubric.yaml
var rubricYAML embed.FS

// Rubric holds the versioned scoring configuration: dimension caps, keyword
// tables, and both scorers' tunables. It is loaded once per process and is
// read-only for the duration of a batch.
type Rubric struct {
	Version int `yaml:"version"`

	Dimensions DimensionCaps `yaml:"dimensions"`

	ExclusionKeywords []string `yaml:"exclusion_keywords"`
	GeographyMarkers  []string `yaml:"geography_markers"`

	RuleScorer RuleScorerConfig `yaml:"rule_scorer"`
	Funding    FundingConfig    `yaml:"funding"`
	LLM        LLMConfig        `yaml:"llm"`
}

type DimensionCaps struct {
	MissionAlignment   int `yaml:"mission_alignment"`
	TargetPopulation   int `yaml:"target_population"`
	GeographicCoverage int `yaml:"geographic_coverage"`
	FundingFit         int `yaml:"funding_fit"`
	Eligibility        int `yaml:"eligibility"`
	StrategicValue     int `yaml:"strategic_value"`
}

// Total returns the maximum achievable score.
func (d DimensionCaps) Total() int {
	return d.MissionAlignment + d.TargetPopulation + d.GeographicCoverage +
		d.FundingFit + d.Eligibility + d.StrategicValue
}

type RuleScorerConfig struct {
	MissionPointsPerKeyword    int `yaml:"mission_points_per_keyword"`
	PopulationPointsPerKeyword int `yaml:"population_points_per_keyword"`
	GeographyMatchPoints       int `yaml:"geography_match_points"`
	GeographyUnspecifiedPoints int `yaml:"geography_unspecified_points"`
	EligibilityDefault         int `yaml:"eligibility_default"`
	StrategicDefault           int `yaml:"strategic_default"`
}

type FundingConfig struct {
	IdealMin         float64 `yaml:"ideal_min"`
	IdealMax         float64 `yaml:"ideal_max"`
	AcceptableMin    float64 `yaml:"acceptable_min"`
	AcceptableMax    float64 `yaml:"acceptable_max"`
	PointsIdeal      int     `yaml:"points_ideal"`
	PointsAcceptable int     `yaml:"points_acceptable"`
	PointsOutside    int     `yaml:"points_outside"`
	PointsUnknown    int     `yaml:"points_unknown"`
}

type LLMConfig struct {
	Model               string  `yaml:"model"`
	MaxDescriptionChars int     `yaml:"max_description_chars"`
	TimeoutSeconds      int     `yaml:"timeout_seconds"`
	MaxRetries          int     `yaml:"max_retries"`
	RetryBackoffSeconds int     `yaml:"retry_backoff_seconds"`
	Concurrency         int     `yaml:"concurrency"`
	CostCeilingUSD      float64 `yaml:"cost_ceiling_usd"`
}

// LoadRubric reads the embedded rubric.yaml. The path parameter allows a
// filesystem override for local experimentation; pass "" to use the embedded
// default. Environment variables within the YAML (e.g. ${SCORING_MODEL}) are
// expanded.
func LoadRubric(path string) (*Rubric, error) {
	var data []byte
	var err error

	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rubric override %s: %w", path, err)
		}
	} else {
		data, err = rubricYAML.ReadFile("config/rubric.yaml")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded rubric: %w", err)
		}
	}

	expanded := os.ExpandEnv(string(data))

	var r Rubric
	if err := yaml.Unmarshal([]byte(expanded), &r); err != nil {
		return nil, fmt.Errorf("failed to parse rubric: %w", err)
	}

	if total := r.Dimensions.Total(); total != 100 {
		return nil, fmt.Errorf("rubric dimension caps must sum to 100, got %d", total)
	}

	return &r, nil
}
