package extract

import (
	"math"
	"time"

	"github.com/tidwall/gjson"
)

const (
	topCuisinesLimit    = 5
	frequentDishesLimit = 10
	topLanguagesLimit   = 5
	topGenresLimit      = 5
)

// ZomatoRecord is a normalized Zomato order-history proof.
type ZomatoRecord struct {
	Identity           Identity
	TotalOrders        *int64
	TotalGMV           *float64
	AvgOrderValue      *float64
	Currency           *string
	City               *string
	Locality           *string
	FirstOrderDate     *time.Time
	LastOrderDate      *time.Time
	OrderFrequency     *string
	LifestyleSegment   *string
	PeakOrderingWindow *string
	TopCuisines        []RankedItem
	FrequentDishes     []RankedItem
}

// Zomato extracts a ZomatoRecord from a raw payload.
func Zomato(payload []byte) (ZomatoRecord, error) {
	doc, err := parseObject(payload)
	if err != nil {
		return ZomatoRecord{}, err
	}

	rec := ZomatoRecord{
		Identity: Identity{
			Name:  identityText(doc, "user_name", "userName", "customer_name", "name"),
			Email: identityText(doc, "email", "user_email"),
			Phone: identityText(doc, "phone", "phone_number", "mobile"),
		},
		TotalOrders:        Int(lookup(doc, "total_orders", "totalOrders", "order_summary.total_orders")),
		TotalGMV:           Decimal(lookup(doc, "total_gmv", "totalGmv", "total_spend", "order_summary.total_gmv")),
		AvgOrderValue:      Decimal(lookup(doc, "avg_order_value", "averageOrderValue", "order_summary.avg_order_value")),
		Currency:           Text(lookup(doc, "currency", "order_summary.currency")),
		City:               Text(lookup(doc, "city", "geo_data.city", "location.city")),
		Locality:           Text(lookup(doc, "locality", "geo_data.locality", "location.locality")),
		FirstOrderDate:     Date(lookup(doc, "first_order_date", "firstOrderDate", "order_summary.first_order_date")),
		LastOrderDate:      Date(lookup(doc, "last_order_date", "lastOrderDate", "order_summary.last_order_date")),
		OrderFrequency:     Text(lookup(doc, "order_frequency", "orderFrequency")),
		LifestyleSegment:   Text(lookup(doc, "lifestyle_segment", "lifestyleSegment")),
		PeakOrderingWindow: Text(lookup(doc, "peak_ordering_window", "peak_ordering_time", "peakOrderingTime")),
		TopCuisines: rankedList(lookup(doc, "top_cuisines", "topCuisines", "cuisines"), topCuisinesLimit,
			[]string{"name", "cuisine"}, []string{"order_count", "orders", "count"}),
		FrequentDishes: rankedList(lookup(doc, "frequent_dishes", "frequentDishes", "dishes"), frequentDishesLimit,
			[]string{"name", "dish"}, []string{"count", "order_count", "times_ordered"}),
	}
	return rec, nil
}

// LanguageShare is one language entry of a GitHub profile.
type LanguageShare struct {
	Name       string
	Percentage *float64
}

// GitHubRecord is a normalized GitHub profile proof.
type GitHubRecord struct {
	Identity              Identity
	Followers             *int64
	Following             *int64
	PublicRepos           *int64
	TotalStars            *int64
	ContributionsLastYear *int64
	OrganizationsCount    *int64
	AccountCreatedAt      *time.Time
	Languages             []LanguageShare
	EngagementTier        *string
}

// GitHub extracts a GitHubRecord from a raw payload.
func GitHub(payload []byte) (GitHubRecord, error) {
	doc, err := parseObject(payload)
	if err != nil {
		return GitHubRecord{}, err
	}

	rec := GitHubRecord{
		Identity: Identity{
			Name:     identityText(doc, "name", "display_name"),
			Email:    identityText(doc, "email"),
			Username: identityText(doc, "username", "login", "user_name"),
		},
		Followers:             Int(lookup(doc, "followers", "follower_count", "profile.followers")),
		Following:             Int(lookup(doc, "following", "following_count", "profile.following")),
		PublicRepos:           Int(lookup(doc, "public_repos", "publicRepos", "repo_count")),
		TotalStars:            Int(lookup(doc, "total_stars", "totalStars", "stars")),
		ContributionsLastYear: Int(lookup(doc, "contributions_last_year", "contributionsLastYear", "contributions")),
		OrganizationsCount:    Int(lookup(doc, "organizations_count", "organizationsCount", "orgs")),
		AccountCreatedAt:      Date(lookup(doc, "account_created_at", "created_at", "createdAt")),
		Languages:             languages(lookup(doc, "languages", "top_languages", "topLanguages")),
		EngagementTier:        Text(lookup(doc, "engagement_tier", "engagementTier")),
	}
	return rec, nil
}

// languages accepts either a ranked array of {name, percentage} or an object
// of language -> byte count, from which shares are computed in source order.
func languages(r gjson.Result) []LanguageShare {
	var out []LanguageShare
	switch {
	case r.IsArray():
		for _, item := range r.Array() {
			if len(out) >= topLanguagesLimit {
				break
			}
			if item.Type == gjson.String {
				if name := Text(item); name != nil {
					out = append(out, LanguageShare{Name: *name})
				}
				continue
			}
			name := Text(lookup(item, "name", "language"))
			if name == nil {
				continue
			}
			out = append(out, LanguageShare{Name: *name, Percentage: Decimal(lookup(item, "percentage", "percent", "share"))})
		}
	case r.IsObject():
		type entry struct {
			name  string
			bytes float64
		}
		var entries []entry
		var total float64
		r.ForEach(func(k, v gjson.Result) bool {
			if b := Decimal(v); b != nil && *b >= 0 {
				entries = append(entries, entry{name: k.String(), bytes: *b})
				total += *b
			}
			return true
		})
		for _, e := range entries {
			if len(out) >= topLanguagesLimit {
				break
			}
			share := LanguageShare{Name: e.name}
			if total > 0 {
				pct := roundTo(e.bytes/total*100, 1)
				share.Percentage = &pct
			}
			out = append(out, share)
		}
	}
	return out
}

// NetflixRecord is a normalized Netflix watch-history proof.
type NetflixRecord struct {
	Identity         Identity
	TotalTitles      *int64
	TotalWatchHours  *float64
	BingeScore       *float64
	SubscriptionTier *string
	EngagementTier   *string
	TopGenres        []RankedItem
	FirstWatchDate   *time.Time
	LastWatchDate    *time.Time
	PeakViewingDay   *string
	PeakViewingHour  *int64
}

// Netflix extracts a NetflixRecord from a raw payload.
func Netflix(payload []byte) (NetflixRecord, error) {
	doc, err := parseObject(payload)
	if err != nil {
		return NetflixRecord{}, err
	}

	rec := NetflixRecord{
		Identity: Identity{
			Name:  identityText(doc, "profile_name", "profileName", "name"),
			Email: identityText(doc, "email", "account_email"),
		},
		TotalTitles:      Int(lookup(doc, "total_titles_watched", "totalTitlesWatched", "total_titles", "viewing_summary.total_titles")),
		TotalWatchHours:  Decimal(lookup(doc, "total_watch_hours", "totalWatchHours", "watch_hours", "viewing_summary.total_watch_hours")),
		BingeScore:       Decimal(lookup(doc, "binge_score", "bingeScore")),
		SubscriptionTier: Text(lookup(doc, "subscription_tier", "subscriptionTier", "plan")),
		EngagementTier:   Text(lookup(doc, "engagement_tier", "engagementTier")),
		TopGenres: rankedList(lookup(doc, "top_genres", "topGenres", "genres"), topGenresLimit,
			[]string{"genre", "name"}, []string{"count", "titles", "watch_count"}),
		FirstWatchDate:  Date(lookup(doc, "first_watch_date", "firstWatchDate", "viewing_summary.first_watch_date")),
		LastWatchDate:   Date(lookup(doc, "last_watch_date", "lastWatchDate", "viewing_summary.last_watch_date")),
		PeakViewingDay:  Text(lookup(doc, "peak_viewing_day", "peakViewingDay")),
		PeakViewingHour: Int(lookup(doc, "peak_viewing_hour", "peakViewingHour")),
	}
	if rec.PeakViewingHour != nil && (*rec.PeakViewingHour < 0 || *rec.PeakViewingHour > 23) {
		rec.PeakViewingHour = nil
	}
	return rec, nil
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
