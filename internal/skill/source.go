package skill

import (
	"regexp"
	"strings"
)

// AllowList is the closed set of verified repository prefixes. It is the only
// security boundary between the reasoning engine and the network/process
// side effects, so both discovery and installation consult it.
type AllowList []string

// DefaultAllowList holds the verified sources. It is fixed at build time.
var DefaultAllowList = AllowList{
	"https://github.com/firebase/",
	"https://github.com/GoogleCloudPlatform/",
}

// IsAllowed reports whether url starts with one of the prefixes exactly.
// No normalization or case folding is applied.
func (a AllowList) IsAllowed(url string) bool {
	for _, p := range a {
		if p != "" && strings.HasPrefix(url, p) {
			return true
		}
	}
	return false
}

// Describe renders the prefixes for user-facing messages.
func (a AllowList) Describe() string {
	return strings.Join(a, " or ")
}

// Reject builds the SourceNotAllowed error for url.
func (a AllowList) Reject(url string) *Error {
	return Errorf(KindSourceNotAllowed,
		"the repository URL must be from a verified source (%s); provided: %s", a.Describe(), url)
}

// repoRe accepts exactly https://github.com/<owner>/<repo> with an optional
// ".git" and trailing slash. Anything further in the path, a query or a
// fragment is refused: the CLI reference is rebuilt from owner and repo, and
// extra segments would let "/../" escape the verified owner.
var repoRe = regexp.MustCompile(`^https://github\.com/([A-Za-z0-9][A-Za-z0-9-]*)/([A-Za-z0-9._-]+)/?$`)

// ParseRepo extracts owner and repository name from a GitHub repository URL.
// A trailing ".git" is stripped from the repository name. Dot segments are
// rejected.
func ParseRepo(url string) (owner, repo string, err error) {
	m := repoRe.FindStringSubmatch(url)
	if m == nil {
		return "", "", Errorf(KindMalformedURL, "invalid GitHub URL format: %q (expected https://github.com/<owner>/<repo>)", url)
	}
	owner = m[1]
	repo = strings.TrimSuffix(m[2], ".git")
	if repo == "" || repo == "." || repo == ".." {
		return "", "", Errorf(KindMalformedURL, "invalid GitHub URL format: %q", url)
	}
	return owner, repo, nil
}

// CloneRef returns the reference handed to the install CLI. It is built from
// the parsed pair, never from the raw source string.
func CloneRef(owner, repo string) string {
	return "https://github.com/" + owner + "/" + repo + ".git"
}
