package version

// Overridden at build time:
//
//	go build -ldflags "-X proxyharvest/internal/app/version.buildVersion=v1.2.0 -X proxyharvest/internal/app/version.builtAt=2025-01-01T00:00:00Z"
var (
	buildVersion = "dev"
	builtAt      = "unknown"
)

type Info struct {
	BuildVersion string `json:"buildVersion"`
	BuiltAt      string `json:"builtAt"`
}

func Get() Info {
	return Info{
		BuildVersion: buildVersion,
		BuiltAt:      builtAt,
	}
}
