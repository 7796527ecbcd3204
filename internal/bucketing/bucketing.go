// Package bucketing provides deterministic visitor bucketing for experiment
// and rollout rules. It uses consistent hashing to assign visitors to
// buckets (0-9999) from their visitor ID, the rule key and a salt, so the
// same visitor always lands in the same variation and increasing a traffic
// allocation only adds visitors, never reshuffles them.
package bucketing

import (
	"errors"

	"github.com/cespare/xxhash/v2"
)

// MaxBucket is the exclusive upper bound of the bucket space. Allocations
// and weights are expressed in basis points (10000 = 100%).
const MaxBucket = 10000

// ErrInvalidWeights is returned when variation weights do not sum to the
// full bucket space.
var ErrInvalidWeights = errors.New("variation weights must sum to 10000")

// Variation is one arm of an experiment with its share of the bucket space.
type Variation struct {
	Key    string `json:"key"`
	Weight int    `json:"weight"` // basis points (0-10000)
}

// BucketVisitor returns a deterministic bucket (0-9999) for the given
// visitor and rule. The same visitorID + ruleKey + salt combination always
// returns the same bucket. Returns -1 when there is no visitor context.
func BucketVisitor(visitorID, ruleKey, salt string) int {
	if visitorID == "" {
		return -1
	}
	key := visitorID + ":" + ruleKey + ":" + salt
	return int(xxhash.Sum64String(key) % MaxBucket)
}

// InAllocation reports whether the visitor falls inside the rule's traffic
// allocation, expressed in basis points. allocation=0 excludes everyone,
// allocation=10000 includes everyone.
func InAllocation(visitorID, ruleKey string, allocation int, salt string) bool {
	if allocation <= 0 {
		return false
	}
	if allocation >= MaxBucket {
		return true
	}
	bucket := BucketVisitor(visitorID, ruleKey, salt)
	if bucket < 0 {
		return false
	}
	return bucket < allocation
}

// ChooseVariation assigns the visitor to a variation by cumulative weight
// ranges over the bucket space. Returns "" when there are no variations or
// no visitor context.
func ChooseVariation(visitorID, ruleKey string, variations []Variation, salt string) (string, error) {
	if len(variations) == 0 {
		return "", nil
	}
	total := 0
	for _, v := range variations {
		if v.Key == "" {
			return "", errors.New("variation key cannot be empty")
		}
		if v.Weight < 0 || v.Weight > MaxBucket {
			return "", errors.New("variation weight must be between 0 and 10000")
		}
		total += v.Weight
	}
	if total != MaxBucket {
		return "", ErrInvalidWeights
	}

	bucket := BucketVisitor(visitorID, ruleKey, salt)
	if bucket < 0 {
		return "", nil
	}

	cumulative := 0
	for _, v := range variations {
		cumulative += v.Weight
		if bucket < cumulative {
			return v.Key, nil
		}
	}
	return variations[len(variations)-1].Key, nil
}
