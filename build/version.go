package build

import (
	"bytes"
	"fmt"
	"strings"
)

// Commit stores the current commit of this build. This should be set using
// the -ldflags during compilation.
var Commit string

// semanticAlphabet is the set of characters permitted in the pre-release
// field of a version.
const semanticAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz-"

// These constants define the application version and follow the semantic
// versioning 2.0.0 rules (http://semver.org/).
const (
	// AppMajor defines the major version of this binary.
	AppMajor uint = 0

	// AppMinor defines the minor version of this binary.
	AppMinor uint = 1

	// AppPatch defines the application patch for this binary.
	AppPatch uint = 0

	// AppPreRelease MUST only contain characters from semanticAlphabet
	// per the semantic versioning rules.
	AppPreRelease = "alpha"
)

// Version returns the application version as a properly formed string per
// the semantic versioning 2.0.0 rules (http://semver.org/).
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", AppMajor, AppMinor, AppPatch)

	preRelease := normalizeVerString(AppPreRelease)
	if preRelease != "" {
		version = fmt.Sprintf("%s-%s", version, preRelease)
	}

	return version
}

// normalizeVerString returns the passed string stripped of all characters
// which are not valid according to the semantic versioning guidelines for
// pre-release version identifiers.
func normalizeVerString(str string) string {
	var result bytes.Buffer
	for _, r := range str {
		if strings.ContainsRune(semanticAlphabet, r) {
			result.WriteRune(r)
		}
	}

	return result.String()
}
