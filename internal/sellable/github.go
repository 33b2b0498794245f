package sellable

import (
	"github.com/myrad-labs/myrad/internal/anonymize"
	"github.com/myrad-labs/myrad/internal/model"
)

type githubTree struct {
	header
	DeveloperProfile githubDeveloper        `json:"developer_profile"`
	TechnicalProfile githubTechnical        `json:"technical_profile"`
	AudienceSegment  githubAudience         `json:"audience_segment"`
	Cohort           model.CohortAssignment `json:"cohort"`
	DataQuality      DataQuality            `json:"data_quality"`
}

type githubDeveloper struct {
	Followers             *int64 `json:"followers"`
	Following             *int64 `json:"following"`
	PublicRepos           *int64 `json:"public_repos"`
	TotalStars            *int64 `json:"total_stars"`
	ContributionsLastYear *int64 `json:"contributions_last_year"`
	OrganizationsCount    *int64 `json:"organizations_count"`
	AccountCreatedYear    *int   `json:"account_created_year"`
}

type languageEntry struct {
	Name       string   `json:"name"`
	Percentage *float64 `json:"percentage"`
}

type githubTechnical struct {
	PrimaryLanguage *string         `json:"primary_language"`
	TopLanguages    []languageEntry `json:"top_languages"`
}

type githubAudience struct {
	EngagementTier *string `json:"engagement_tier"`
	FollowerBucket string  `json:"follower_bucket"`
	AccountEra     string  `json:"account_era"`
}

type githubInsights struct {
	ActivityLevel     *string `json:"activity_level"`
	LanguageDiversity int     `json:"language_diversity"`
	Influence         string  `json:"influence"`
	IdentityVerified  bool    `json:"identity_verified"`
}

func activityLevel(contributions *int64) *string {
	if contributions == nil {
		return nil
	}
	var l string
	switch {
	case *contributions >= 500:
		l = "very_active"
	case *contributions >= 100:
		l = "active"
	case *contributions > 0:
		l = "light"
	default:
		l = "dormant"
	}
	return &l
}

// GitHub builds the github_profile sellable tree.
func GitHub(v anonymize.GitHubView, opts Options) (*Output, error) {
	r := v.Record
	q := score([]field{
		{15, present(r.Followers)},
		{5, present(r.Following)},
		{15, present(r.PublicRepos)},
		{10, present(r.TotalStars)},
		{15, present(r.ContributionsLastYear)},
		{5, present(r.OrganizationsCount)},
		{10, present(r.AccountCreatedAt)},
		{15, len(r.Languages) > 0},
		{10, present(r.EngagementTier)},
	})

	var createdYear *int
	if r.AccountCreatedAt != nil {
		y := r.AccountCreatedAt.Year()
		createdYear = &y
	}
	langs := make([]languageEntry, 0, len(r.Languages))
	for _, l := range r.Languages {
		langs = append(langs, languageEntry{Name: l.Name, Percentage: round2(l.Percentage)})
	}

	tree := githubTree{
		header: newHeader(model.DataTypeGitHub, opts),
		DeveloperProfile: githubDeveloper{
			Followers:             r.Followers,
			Following:             r.Following,
			PublicRepos:           r.PublicRepos,
			TotalStars:            r.TotalStars,
			ContributionsLastYear: r.ContributionsLastYear,
			OrganizationsCount:    r.OrganizationsCount,
			AccountCreatedYear:    createdYear,
		},
		TechnicalProfile: githubTechnical{
			PrimaryLanguage: v.PrimaryLanguage,
			TopLanguages:    langs,
		},
		AudienceSegment: githubAudience{
			EngagementTier: r.EngagementTier,
			FollowerBucket: v.FollowerBucket,
			AccountEra:     v.AccountEra,
		},
		Cohort:      v.Cohort,
		DataQuality: q,
	}

	insights := githubInsights{
		ActivityLevel:     activityLevel(r.ContributionsLastYear),
		LanguageDiversity: len(r.Languages),
		Influence:         v.FollowerBucket,
		IdentityVerified:  v.IdentityVerified,
	}
	return finish(tree, insights, q, v.Cohort, opts)
}
