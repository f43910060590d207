package version

// Build metadata. Release builds stamp these through -ldflags, e.g.
//
//	go build -ldflags "-X risk-sentinel/internal/version.Version=v1.2.0"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)
