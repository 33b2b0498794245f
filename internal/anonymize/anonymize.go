package anonymize

import (
	"regexp"
	"strings"

	"github.com/myrad-labs/myrad/internal/extract"
	"github.com/myrad-labs/myrad/internal/model"
)

var (
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern  = regexp.MustCompile(`(?:\+?\d[\s\-()]*){10,}`)
	handlePattern = regexp.MustCompile(`(?:^|\s)@[A-Za-z0-9_\-]{2,}`)
)

// containsPII reports whether free text looks like it carries contact
// details or an account handle.
func containsPII(s string) bool {
	return emailPattern.MatchString(s) || phonePattern.MatchString(s) || handlePattern.MatchString(s)
}

// scrub drops an enumeration value that embeds contact details or a
// handle. It never consults the proof's identity, so values that feed a
// cohort tuple are scrubbed with it alone.
func scrub(s *string) *string {
	if s == nil || containsPII(*s) {
		return nil
	}
	return s
}

func scrubItems(items []extract.RankedItem) []extract.RankedItem {
	out := make([]extract.RankedItem, 0, len(items))
	for _, it := range items {
		if !containsPII(it.Name) {
			out = append(out, it)
		}
	}
	return out
}

// redact is scrub plus removal of values equal to one of the proof's
// identity values. Its result is only ever disclosed, never hashed.
func redact(s *string, id extract.Identity) *string {
	if s = scrub(s); s == nil || isIdentity(*s, id) {
		return nil
	}
	return s
}

func redactItems(items []extract.RankedItem, id extract.Identity) []extract.RankedItem {
	out := make([]extract.RankedItem, 0, len(items))
	for _, it := range scrubItems(items) {
		if !isIdentity(it.Name, id) {
			out = append(out, it)
		}
	}
	return out
}

// isIdentity reports a whole-value, case-folded match with an identity
// field. Substrings do not count: short names occur inside ordinary words.
func isIdentity(s string, id extract.Identity) bool {
	v := strings.TrimSpace(s)
	if v == "" {
		return false
	}
	for _, p := range []string{id.Name, id.Email, id.Phone, id.Username} {
		if p = strings.TrimSpace(p); p != "" && strings.EqualFold(v, p) {
			return true
		}
	}
	return false
}

func firstName(items []extract.RankedItem) *string {
	if len(items) == 0 {
		return nil
	}
	n := items[0].Name
	return &n
}

// ZomatoView is the allow-listed, bucketed form of a Zomato record.
type ZomatoView struct {
	Record           extract.ZomatoRecord
	CityCluster      *string
	SpendBucket      string
	TimeWindow       string
	IdentityVerified bool
	Cohort           model.CohortAssignment
}

// Zomato anonymizes a Zomato record. Cohort tuple: city cluster, lifestyle
// segment, spend bucket, last-order quarter.
func Zomato(rec extract.ZomatoRecord, k int) ZomatoView {
	id := rec.Identity
	out := extract.ZomatoRecord{
		TotalOrders:        rec.TotalOrders,
		TotalGMV:           rec.TotalGMV,
		AvgOrderValue:      rec.AvgOrderValue,
		Currency:           redact(rec.Currency, id),
		FirstOrderDate:     rec.FirstOrderDate,
		LastOrderDate:      rec.LastOrderDate,
		OrderFrequency:     redact(rec.OrderFrequency, id),
		LifestyleSegment:   redact(rec.LifestyleSegment, id),
		PeakOrderingWindow: redact(rec.PeakOrderingWindow, id),
		TopCuisines:        redactItems(rec.TopCuisines, id),
		FrequentDishes:     redactItems(rec.FrequentDishes, id),
	}

	cluster := CityCluster(rec.City)
	clusterLabel := model.Unclassified
	if cluster != nil {
		clusterLabel = *cluster
	}
	spend := SpendBuckets.Of(rec.TotalGMV)
	window := QuarterWindow(rec.LastOrderDate)

	return ZomatoView{
		Record:           out,
		CityCluster:      cluster,
		SpendBucket:      spend,
		TimeWindow:       window,
		IdentityVerified: id.Present(),
		Cohort:           Assign(model.DataTypeZomato, k, clusterLabel, Label(scrub(rec.LifestyleSegment)), spend, window),
	}
}

// GitHubView is the allow-listed, bucketed form of a GitHub record.
type GitHubView struct {
	Record           extract.GitHubRecord
	PrimaryLanguage  *string
	FollowerBucket   string
	AccountEra       string
	IdentityVerified bool
	Cohort           model.CohortAssignment
}

// GitHub anonymizes a GitHub record. Cohort tuple: follower bucket, primary
// language, account era, engagement tier.
func GitHub(rec extract.GitHubRecord, k int) GitHubView {
	id := rec.Identity
	var cohortLang *string
	langs := make([]extract.LanguageShare, 0, len(rec.Languages))
	for _, l := range rec.Languages {
		if containsPII(l.Name) {
			continue
		}
		if cohortLang == nil {
			name := l.Name
			cohortLang = &name
		}
		if !isIdentity(l.Name, id) {
			langs = append(langs, l)
		}
	}
	out := extract.GitHubRecord{
		Followers:             rec.Followers,
		Following:             rec.Following,
		PublicRepos:           rec.PublicRepos,
		TotalStars:            rec.TotalStars,
		ContributionsLastYear: rec.ContributionsLastYear,
		OrganizationsCount:    rec.OrganizationsCount,
		AccountCreatedAt:      rec.AccountCreatedAt,
		Languages:             langs,
		EngagementTier:        redact(rec.EngagementTier, id),
	}

	var primary *string
	if len(langs) > 0 {
		name := langs[0].Name
		primary = &name
	}
	followers := FollowerBuckets.OfInt(rec.Followers)
	era := EraWindow(rec.AccountCreatedAt)

	return GitHubView{
		Record:           out,
		PrimaryLanguage:  primary,
		FollowerBucket:   followers,
		AccountEra:       era,
		IdentityVerified: id.Present(),
		Cohort:           Assign(model.DataTypeGitHub, k, followers, Label(cohortLang), era, Label(scrub(rec.EngagementTier))),
	}
}

// NetflixView is the allow-listed, bucketed form of a Netflix record.
type NetflixView struct {
	Record           extract.NetflixRecord
	TopGenre         *string
	WatchHourBucket  string
	TimeWindow       string
	IdentityVerified bool
	Cohort           model.CohortAssignment
}

// Netflix anonymizes a Netflix record. Cohort tuple: watch-hour bucket, top
// genre, subscription tier, last-watch quarter.
func Netflix(rec extract.NetflixRecord, k int) NetflixView {
	id := rec.Identity
	out := extract.NetflixRecord{
		TotalTitles:      rec.TotalTitles,
		TotalWatchHours:  rec.TotalWatchHours,
		BingeScore:       rec.BingeScore,
		SubscriptionTier: redact(rec.SubscriptionTier, id),
		EngagementTier:   redact(rec.EngagementTier, id),
		TopGenres:        redactItems(rec.TopGenres, id),
		FirstWatchDate:   rec.FirstWatchDate,
		LastWatchDate:    rec.LastWatchDate,
		PeakViewingDay:   redact(rec.PeakViewingDay, id),
		PeakViewingHour:  rec.PeakViewingHour,
	}

	top := firstName(out.TopGenres)
	hours := WatchHourBuckets.Of(rec.TotalWatchHours)
	window := QuarterWindow(rec.LastWatchDate)

	return NetflixView{
		Record:           out,
		TopGenre:         top,
		WatchHourBucket:  hours,
		TimeWindow:       window,
		IdentityVerified: id.Present(),
		Cohort:           Assign(model.DataTypeNetflix, k, hours, Label(firstName(scrubItems(rec.TopGenres))), Label(scrub(rec.SubscriptionTier)), window),
	}
}
