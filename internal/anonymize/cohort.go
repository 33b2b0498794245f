// Package anonymize strips identifying values from normalized records and
// assigns deterministic k-anonymity cohorts.
package anonymize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/myrad-labs/myrad/internal/model"
)

// cohortIDLength is the number of hex characters kept from the SHA-256 digest.
const cohortIDLength = 32

// unitSeparator joins tuple members. Label and the fixed bucket names never
// contain it.
const unitSeparator = "\x1f"

// CohortID hashes the data type and an ordered tuple of bucketed attribute
// values. Identical tuples always produce identical ids.
func CohortID(dt model.DataType, buckets ...string) string {
	parts := make([]string, 0, len(buckets)+1)
	parts = append(parts, string(dt))
	for _, b := range buckets {
		if b == "" {
			b = model.Unclassified
		}
		parts = append(parts, b)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, unitSeparator)))
	return hex.EncodeToString(sum[:])[:cohortIDLength]
}

// Assign builds the CohortAssignment for a bucket tuple.
func Assign(dt model.DataType, k int, buckets ...string) model.CohortAssignment {
	return model.CohortAssignment{
		CohortID:            CohortID(dt, buckets...),
		KAnonymityThreshold: k,
	}
}
