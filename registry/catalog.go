package registry

import "github.com/jobriver/jobriver/core"

// defaultFields is the baseline JobRecord schema shared by most platforms.
func defaultFields(urlPrefix string) []FieldContract {
	return []FieldContract{
		{Name: "title", Required: true, Type: "string"},
		{Name: "company", Required: true, Type: "string"},
		{Name: "location", Required: true, Type: "string"},
		{Name: "date_posted", Required: false, Type: "date"},
		{Name: "description", Required: false, Type: "string"},
		{Name: "salary", Required: false, Type: "string"},
		{Name: "job_url", Required: false, Type: "url", URLPrefix: urlPrefix},
	}
}

// defaultCatalog is the built-in platform catalog used when no YAML file
// is supplied. A deployment overrides it via Config.RegistryPath.
func defaultCatalog() *catalog {
	return &catalog{
		Regions: map[core.Region]regionSpec{
			core.RegionNorthAmerica: {
				Priority: 1,
				Keywords: []string{
					"san francisco", "new york", "nyc", "seattle", "austin",
					"boston", "chicago", "toronto", "vancouver",
					"united states", "usa", "canada",
				},
			},
			core.RegionEurope: {
				Priority: 2,
				Keywords: []string{
					"london", "berlin", "paris", "amsterdam", "madrid",
					"dublin", "munich", "zurich", "stockholm",
					"united kingdom", "germany", "france", "netherlands",
				},
			},
			core.RegionAsiaPacific: {
				Priority: 3,
				Keywords: []string{
					"tokyo", "singapore", "sydney", "melbourne", "bangalore",
					"hong kong", "seoul", "japan", "australia", "india",
				},
			},
			core.RegionRemote: {
				Priority: 4,
				Keywords: []string{"remote", "work from home", "anywhere", "distributed"},
			},
		},
		Platforms: []*PlatformSpec{
			{
				Name:                  core.PlatformLinkedIn,
				Regions:               []core.Region{core.RegionGlobal},
				MaxConcurrentRequests: 3,
				RateLimitPerMinute:    30,
				TimeoutSeconds:        30,
				RetryAttempts:         3,
				Reliability:           0.95,
				FailureThreshold:      5,
				RecoveryWindowSeconds: 300,
				RegionPriority: map[core.Region]int{
					core.RegionNorthAmerica: 1,
					core.RegionEurope:       1,
					core.RegionAsiaPacific:  2,
					core.RegionRemote:       1,
					core.RegionGlobal:       1,
				},
				Fields: defaultFields("https://www.linkedin.com/jobs/"),
			},
			{
				Name:                  core.PlatformIndeed,
				Regions:               []core.Region{core.RegionNorthAmerica, core.RegionEurope, core.RegionRemote},
				MaxConcurrentRequests: 4,
				RateLimitPerMinute:    60,
				TimeoutSeconds:        20,
				RetryAttempts:         3,
				Reliability:           0.92,
				FailureThreshold:      5,
				RecoveryWindowSeconds: 300,
				RegionPriority: map[core.Region]int{
					core.RegionNorthAmerica: 2,
					core.RegionEurope:       2,
					core.RegionRemote:       2,
				},
				Fields: defaultFields("https://www.indeed.com/"),
			},
			{
				Name:                  core.PlatformGlassdoor,
				Regions:               []core.Region{core.RegionNorthAmerica, core.RegionEurope},
				MaxConcurrentRequests: 2,
				RateLimitPerMinute:    20,
				TimeoutSeconds:        30,
				RetryAttempts:         2,
				Reliability:           0.85,
				FailureThreshold:      4,
				RecoveryWindowSeconds: 300,
				RegionPriority: map[core.Region]int{
					core.RegionNorthAmerica: 3,
					core.RegionEurope:       4,
				},
				Fields: defaultFields("https://www.glassdoor.com/"),
			},
			{
				Name:                  core.PlatformGoogle,
				Regions:               []core.Region{core.RegionGlobal},
				MaxConcurrentRequests: 5,
				RateLimitPerMinute:    100,
				TimeoutSeconds:        15,
				RetryAttempts:         3,
				Reliability:           0.90,
				FailureThreshold:      5,
				RecoveryWindowSeconds: 300,
				RegionPriority: map[core.Region]int{
					core.RegionNorthAmerica: 4,
					core.RegionEurope:       3,
					core.RegionAsiaPacific:  1,
					core.RegionRemote:       3,
					core.RegionGlobal:       2,
				},
				Fields: defaultFields(""),
			},
			{
				Name:                  core.PlatformMonster,
				Regions:               []core.Region{core.RegionNorthAmerica},
				MaxConcurrentRequests: 2,
				RateLimitPerMinute:    15,
				TimeoutSeconds:        30,
				RetryAttempts:         2,
				Reliability:           0.80,
				FailureThreshold:      3,
				RecoveryWindowSeconds: 600,
				RegionPriority: map[core.Region]int{
					core.RegionNorthAmerica: 5,
				},
				Fields: defaultFields("https://www.monster.com/"),
			},
			{
				Name:                  core.PlatformZipRecruiter,
				Regions:               []core.Region{core.RegionNorthAmerica, core.RegionRemote},
				MaxConcurrentRequests: 3,
				RateLimitPerMinute:    40,
				TimeoutSeconds:        20,
				RetryAttempts:         3,
				Reliability:           0.88,
				FailureThreshold:      5,
				RecoveryWindowSeconds: 300,
				RegionPriority: map[core.Region]int{
					core.RegionNorthAmerica: 6,
					core.RegionRemote:       4,
				},
				Fields: defaultFields("https://www.ziprecruiter.com/"),
			},
		},
	}
}
