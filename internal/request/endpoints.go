package request

import (
	"fmt"
	"strings"
)

// Endpoints builds code-forge URLs for a repository identity.
type Endpoints struct {
	API string
	Web string
}

// NewEndpoints trims trailing slashes from the base URLs.
func NewEndpoints(apiBase, webBase string) Endpoints {
	return Endpoints{
		API: strings.TrimSuffix(apiBase, "/"),
		Web: strings.TrimSuffix(webBase, "/"),
	}
}

// Repo is the repository metadata endpoint.
func (e Endpoints) Repo(repo string) string {
	return fmt.Sprintf("%s/repos/%s", e.API, repo)
}

// ReleasesPerPage is the largest page the releases API serves.
const ReleasesPerPage = 100

// Releases lists the most recent ReleasesPerPage releases.
func (e Endpoints) Releases(repo string) string {
	return fmt.Sprintf("%s/repos/%s/releases?per_page=%d", e.API, repo, ReleasesPerPage)
}

// LatestRelease is the most recent published release.
func (e Endpoints) LatestRelease(repo string) string {
	return fmt.Sprintf("%s/repos/%s/releases/latest", e.API, repo)
}

// Contents lists the repository root.
func (e Endpoints) Contents(repo string) string {
	return fmt.Sprintf("%s/repos/%s/contents", e.API, repo)
}

// SourceArchive is the zip of a branch head.
func (e Endpoints) SourceArchive(repo, branch string) string {
	return fmt.Sprintf("%s/%s/archive/refs/heads/%s.zip", e.Web, repo, branch)
}
