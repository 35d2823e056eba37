// Package version gates SDK clients by the "<sdk>/<version>" protocol
// string carried on agent creation.
package version

import (
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// DevVersion is the placeholder local SDKs report. It is accepted only in
// local mode, signalled by ORGANIZATION_ID being unset.
const DevVersion = "0.0.0-dev"

const defaultSDK = "python"

// policy is the per-SDK support window.
type policy struct {
	minSupported   *semver.Version
	minRecommended *semver.Version
}

var policies = map[string]policy{
	"python": {
		minSupported:   semver.MustParse("0.3.0"),
		minRecommended: semver.MustParse("0.5.0"),
	},
	"typescript": {
		minSupported:   semver.MustParse("0.2.0"),
		minRecommended: semver.MustParse("0.4.0"),
	},
}

// Result is the outcome of one protocol check.
type Result struct {
	SDK     string
	Version string

	// Supported is false when the client must upgrade (426).
	Supported bool

	// Deprecated is true when the client works but should upgrade; the
	// response carries X-SDK-Warning and X-SDK-Upgrade-Message headers.
	Deprecated bool

	// Message explains an unsupported or deprecated result.
	Message string
}

// disabled reports whether version checks are bypassed entirely.
func disabled() bool {
	return os.Getenv("AGENTICA_SERVER_DISABLE_VERSION_CHECK") == "1"
}

// localMode reports whether dev placeholder versions are acceptable.
func localMode() bool {
	return os.Getenv("ORGANIZATION_ID") == ""
}

// Parse splits a protocol string into SDK and version. A missing string
// parses to the python dev placeholder.
func Parse(protocol string) (sdk, ver string) {
	if protocol == "" {
		return defaultSDK, DevVersion
	}
	parts := strings.SplitN(protocol, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return defaultSDK, DevVersion
	}
	return strings.ToLower(parts[0]), parts[1]
}

// Check evaluates the protocol string against the support policy.
func Check(protocol string) Result {
	sdk, ver := Parse(protocol)
	res := Result{SDK: sdk, Version: ver, Supported: true}
	if disabled() {
		return res
	}

	if ver == DevVersion {
		if localMode() {
			return res
		}
		res.Supported = false
		res.Message = fmt.Sprintf("SDK VERSION NOT SUPPORTED: %s/%s is a local development build", sdk, ver)
		return res
	}

	pol, ok := policies[sdk]
	if !ok {
		res.Supported = false
		res.Message = fmt.Sprintf("SDK VERSION NOT SUPPORTED: unknown sdk %q", sdk)
		return res
	}

	parsed, err := semver.NewVersion(ver)
	if err != nil {
		res.Supported = false
		res.Message = fmt.Sprintf("SDK VERSION NOT SUPPORTED: cannot parse %q", ver)
		return res
	}

	if parsed.LessThan(pol.minSupported) {
		res.Supported = false
		res.Message = fmt.Sprintf(
			"SDK VERSION NOT SUPPORTED: %s SDK %s is below the minimum supported version %s; please upgrade",
			sdk, ver, pol.minSupported)
		return res
	}

	if parsed.LessThan(pol.minRecommended) {
		res.Deprecated = true
		res.Message = fmt.Sprintf(
			"%s SDK %s is deprecated; upgrade to %s or newer",
			sdk, ver, pol.minRecommended)
	}
	return res
}
