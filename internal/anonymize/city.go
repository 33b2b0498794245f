package anonymize

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	ClusterTier1Metro = "tier1_metro"
	ClusterTier2      = "tier2_city"
	ClusterOther      = "other"
)

var cityClusters = map[string]string{
	"mumbai":        ClusterTier1Metro,
	"bombay":        ClusterTier1Metro,
	"delhi":         ClusterTier1Metro,
	"new delhi":     ClusterTier1Metro,
	"bengaluru":     ClusterTier1Metro,
	"bangalore":     ClusterTier1Metro,
	"chennai":       ClusterTier1Metro,
	"kolkata":       ClusterTier1Metro,
	"hyderabad":     ClusterTier1Metro,
	"pune":          ClusterTier1Metro,
	"ahmedabad":     ClusterTier1Metro,
	"gurugram":      ClusterTier2,
	"gurgaon":       ClusterTier2,
	"noida":         ClusterTier2,
	"jaipur":        ClusterTier2,
	"lucknow":       ClusterTier2,
	"chandigarh":    ClusterTier2,
	"kochi":         ClusterTier2,
	"indore":        ClusterTier2,
	"nagpur":        ClusterTier2,
	"surat":         ClusterTier2,
	"coimbatore":    ClusterTier2,
	"bhopal":        ClusterTier2,
	"vadodara":      ClusterTier2,
	"visakhapatnam": ClusterTier2,
	"goa":           ClusterTier2,
}

// canonicalCity folds case, applies NFKC and collapses whitespace so
// "  NEW   Delhi" and "new delhi" compare equal.
func canonicalCity(city string) string {
	c := norm.NFKC.String(city)
	c = cases.Fold().String(c) // Casers are stateful; build one per call.
	c = strings.ReplaceAll(c, ".", " ")
	return strings.Join(strings.Fields(c), " ")
}

// CityCluster maps a city to a coarse cluster. A missing city yields nil; a
// city outside the known table yields ClusterOther so the raw name never
// reaches sellable output.
func CityCluster(city *string) *string {
	if city == nil {
		return nil
	}
	c := canonicalCity(*city)
	if c == "" {
		return nil
	}
	cluster, ok := cityClusters[c]
	if !ok {
		cluster = ClusterOther
	}
	return &cluster
}
