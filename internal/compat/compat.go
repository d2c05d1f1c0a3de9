// Package compat implements the compatibility engine: a pure scoring function
// that decides whether two waiting sessions are eligible to be paired. It
// performs no I/O and keeps no state, so every caller observes the same
// weights and threshold.
package compat

import (
	"sort"

	"github.com/flavourstalk/chat-core/internal/chaterr"
)

// Modality values accepted for a session.
const (
	ModalityText  = "text"
	ModalityAudio = "audio"
	ModalityVideo = "video"
)

// Gender values accepted when a gender is stated at all.
const (
	GenderMale   = "male"
	GenderFemale = "female"
	GenderOther  = "other"
)

const (
	// MaxInterests caps the size of a stated interest set.
	MaxInterests = 10

	// AgeFloor and AgeCeil bound any stated age range.
	AgeFloor = 18
	AgeCeil  = 100

	// EligibilityThreshold is the minimum score for a pairing to be offered.
	EligibilityThreshold = 0.3

	// Scoring weights. These are fixed design choices; changing them breaks
	// score reproducibility across services.
	weightInterests = 0.4
	weightAgeRange  = 0.2
	weightLocation  = 0.2
	weightGender    = 0.2
)

// AgeRange is an optional, inclusive age band.
type AgeRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Overlaps reports whether two ranges share at least one age.
func (r AgeRange) Overlaps(other AgeRange) bool {
	return r.Min <= other.Max && other.Min <= r.Max
}

// Criteria is the stated matching input of one session. Interests are
// required; everything else is optional ("" / nil means not stated).
type Criteria struct {
	Interests []string  `json:"interests"`
	AgeRange  *AgeRange `json:"age_range,omitempty"`
	Location  string    `json:"location,omitempty"`
	Gender    string    `json:"gender,omitempty"`
	Modality  string    `json:"modality"`
}

// Validate checks the criteria against the preference rules: a non-empty
// interest set of at most MaxInterests entries, a sane age range within
// [AgeFloor, AgeCeil], a known modality, and a known gender when stated.
func (c Criteria) Validate() error {
	if len(c.Interests) == 0 {
		return chaterr.Validationf("interest set must not be empty")
	}
	if len(c.Interests) > MaxInterests {
		return chaterr.Validationf("at most %d interests allowed, got %d", MaxInterests, len(c.Interests))
	}
	for _, tag := range c.Interests {
		if tag == "" {
			return chaterr.Validationf("interest entries must not be empty")
		}
	}
	if c.AgeRange != nil {
		r := *c.AgeRange
		if r.Min > r.Max {
			return chaterr.Validationf("age range min %d exceeds max %d", r.Min, r.Max)
		}
		if r.Min < AgeFloor || r.Max > AgeCeil {
			return chaterr.Validationf("age range must lie within [%d,%d]", AgeFloor, AgeCeil)
		}
	}
	switch c.Modality {
	case ModalityText, ModalityAudio, ModalityVideo:
	default:
		return chaterr.Validationf("unsupported modality %q", c.Modality)
	}
	if c.Gender != "" {
		switch c.Gender {
		case GenderMale, GenderFemale, GenderOther:
		default:
			return chaterr.Validationf("unsupported gender %q", c.Gender)
		}
	}
	return nil
}

// SharedInterests returns the sorted intersection of the two interest sets.
func SharedInterests(a, b Criteria) []string {
	set := make(map[string]bool, len(a.Interests))
	for _, tag := range a.Interests {
		set[tag] = true
	}
	var shared []string
	seen := make(map[string]bool)
	for _, tag := range b.Interests {
		if set[tag] && !seen[tag] {
			shared = append(shared, tag)
			seen[tag] = true
		}
	}
	sort.Strings(shared)
	return shared
}

// Score computes the compatibility score of two sessions in [0.0, 1.0]:
//
//	interest overlap   weight 0.4: |A∩B| / max(|A|,|B|)
//	age-range overlap  weight 0.2: full weight if both ranges overlap
//	location match     weight 0.2: full weight on exact (case-sensitive) match
//	gender match       weight 0.2: full weight if both stated and equal
//
// Score is symmetric: Score(a,b) == Score(b,a) for all inputs.
func Score(a, b Criteria) float64 {
	score := 0.0

	shared := SharedInterests(a, b)
	larger := len(a.Interests)
	if len(b.Interests) > larger {
		larger = len(b.Interests)
	}
	if larger > 0 {
		score += weightInterests * float64(len(shared)) / float64(larger)
	}

	if a.AgeRange != nil && b.AgeRange != nil && a.AgeRange.Overlaps(*b.AgeRange) {
		score += weightAgeRange
	}

	if a.Location != "" && b.Location != "" && a.Location == b.Location {
		score += weightLocation
	}

	if a.Gender != "" && b.Gender != "" && a.Gender == b.Gender {
		score += weightGender
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Eligible reports whether the score clears the pairing threshold.
func Eligible(score float64) bool {
	return score >= EligibilityThreshold
}
