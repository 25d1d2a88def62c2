package domain

import (
	"strings"
	"time"
)

// ServiceClass is a coarse category derived from the image name, used to
// tune restart tolerance, startup grace and log scanning.
type ServiceClass string

const (
	ClassDatabase ServiceClass = "database"
	ClassInfra    ServiceClass = "infra"
	ClassHTTP     ServiceClass = "http"
	ClassGeneric  ServiceClass = "generic"
)

// ServiceProfile carries the tolerances for one service class. Derived, not stored.
type ServiceProfile struct {
	Class        ServiceClass
	MaxRestarts  int
	GracePeriod  time.Duration
	LogAllowlist []string // benign log substrings that must not fail validation
	ConfigPaths  []string // well-known internal config paths worth copying between slots
}

// CatalogEntry binds an image-name substring to a profile.
type CatalogEntry struct {
	Match   string `yaml:"match"`
	Profile ServiceProfile
}

// ServiceCatalog classifies images by substring match, longest match wins.
type ServiceCatalog struct {
	entries []CatalogEntry
}

// NewServiceCatalog builds a catalog from entries. The entry order is
// irrelevant; lookup always prefers the longest matching substring.
func NewServiceCatalog(entries []CatalogEntry) *ServiceCatalog {
	return &ServiceCatalog{entries: entries}
}

// Lookup returns the profile for an image reference. Unmatched images get
// the generic profile.
func (c *ServiceCatalog) Lookup(image string) ServiceProfile {
	lowered := strings.ToLower(image)
	best := -1
	profile := genericProfile
	for i, e := range c.entries {
		if strings.Contains(lowered, e.Match) && len(e.Match) > best {
			best = len(e.Match)
			profile = c.entries[i].Profile
		}
	}
	return profile
}

var genericProfile = ServiceProfile{
	Class:       ClassGeneric,
	MaxRestarts: 2,
	GracePeriod: 5 * time.Second,
}

// DefaultServiceCatalog returns the built-in classification table.
// Databases get a materially higher restart ceiling because first-time
// initialization commonly restarts the process.
func DefaultServiceCatalog() *ServiceCatalog {
	database := func(configPaths ...string) ServiceProfile {
		return ServiceProfile{
			Class:       ClassDatabase,
			MaxRestarts: 10,
			GracePeriod: 20 * time.Second,
			LogAllowlist: []string{
				"oom-kill detection",
				"vm.overcommit_memory",
			},
			ConfigPaths: configPaths,
		}
	}
	infra := ServiceProfile{
		Class:       ClassInfra,
		MaxRestarts: 5,
		GracePeriod: 15 * time.Second,
		LogAllowlist: []string{
			"memory overcommit must be enabled",
			"oom score adj",
		},
	}
	httpProfile := ServiceProfile{
		Class:       ClassHTTP,
		MaxRestarts: 2,
		GracePeriod: 10 * time.Second,
	}

	return NewServiceCatalog([]CatalogEntry{
		{Match: "postgres", Profile: database("/var/lib/postgresql/data/postgresql.conf", "/var/lib/postgresql/data/pg_hba.conf")},
		{Match: "mysql", Profile: database("/etc/mysql/my.cnf")},
		{Match: "mariadb", Profile: database("/etc/mysql/my.cnf")},
		{Match: "mongo", Profile: database("/etc/mongod.conf")},
		{Match: "redis", Profile: database("/usr/local/etc/redis/redis.conf")},
		{Match: "traefik", Profile: infra},
		{Match: "portainer", Profile: infra},
		{Match: "rabbitmq", Profile: infra},
		{Match: "nginx", Profile: httpProfile},
		{Match: "caddy", Profile: httpProfile},
		{Match: "httpd", Profile: httpProfile},
		{Match: "node", Profile: httpProfile},
		{Match: "python", Profile: httpProfile},
	})
}
