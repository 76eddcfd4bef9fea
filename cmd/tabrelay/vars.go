package cli

// Version identifies this relay build; the lifecycle supervisor matches
// running instances against it.
const Version = "0.3.0"

// Shared CLI flags (used across multiple command files)
var (
	cfgFile  string
	hostFlag string
	portFlag int
	verbose  bool
)
