package internal

var (
	commitVersion string = "v0.1" // Set in build step using commandline options
	commitDate    string = ""     // Set in build step using commandline options
)

// GetVersion returns the version of the application
func GetVersion() string {
	if commitDate == "" {
		return commitVersion
	}
	return commitVersion + " " + commitDate
}
