package model

// IndexEntry is one element of the published mod index.
type IndexEntry struct {
	Repo           string `json:"repo"`
	Name           string `json:"name"`
	Author         string `json:"author"`
	Description    string `json:"description"`
	MinGameVersion string `json:"minGameVersion"`
	LastUpdated    string `json:"lastUpdated"`
	Stars          int    `json:"stars"`
}

// RepoMeta is the subset of the repository metadata endpoint we read.
type RepoMeta struct {
	Stars         int    `json:"stargazers_count"`
	Forks         int    `json:"forks_count"`
	OpenIssues    int    `json:"open_issues_count"`
	DefaultBranch string `json:"default_branch"`
}

// Release is one published release.
type Release struct {
	TagName string         `json:"tag_name"`
	Assets  []ReleaseAsset `json:"assets"`
}

// ReleaseAsset is a downloadable file attached to a release.
type ReleaseAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	DownloadCount      int    `json:"download_count"`
}

// DirEntry is one element of a repository directory listing.
type DirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"` // "dir" or "file"
}
