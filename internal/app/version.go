package app

import "fmt"

// Set via -ldflags "-X github.com/auditconsole/classify/internal/app.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func BuildVersion() string {
	return fmt.Sprintf("%s (built %s)", Version, BuildTime)
}
