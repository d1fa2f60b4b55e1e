package config

import "strings"

// shortSHALength is the length of the abbreviated commit in derived paths.
const shortSHALength = 7

// CIMetadata identifies the CI run that produced the artifact.
type CIMetadata struct {
	Repository string
	RefName    string
	RefType    string
	SHA        string
	Workflow   string
	Job        string
}

// CIMetadataFromEnv reads the GitHub Actions run variables.
func CIMetadataFromEnv(getenv func(string) string) CIMetadata {
	return CIMetadata{
		Repository: getenv("GITHUB_REPOSITORY"),
		RefName:    getenv("GITHUB_REF_NAME"),
		RefType:    getenv("GITHUB_REF_TYPE"),
		SHA:        getenv("GITHUB_SHA"),
		Workflow:   getenv("GITHUB_WORKFLOW"),
		Job:        getenv("GITHUB_JOB"),
	}
}

// DefaultRemotePath joins the non-empty parts of the run identity with "/":
// server root, repository, ref, short commit, workflow and job. The commit
// is left out for tags since the tag already pins it. A workflow given as a
// file path contributes only its file name.
func DefaultRemotePath(meta CIMetadata, serverRoot string) string {
	var parts []string

	root := strings.TrimRight(serverRoot, "/")
	if root != "" {
		parts = append(parts, root)
	}

	sha := meta.SHA
	if len(sha) > shortSHALength {
		sha = sha[:shortSHALength]
	}

	if meta.RefType == "tag" {
		sha = ""
	}

	workflow := meta.Workflow
	if i := strings.LastIndex(workflow, "/"); i >= 0 {
		workflow = workflow[i+1:]
	}

	for _, p := range []string{meta.Repository, meta.RefName, sha, workflow, meta.Job} {
		if p = strings.Trim(p, "/"); p != "" {
			parts = append(parts, p)
		}
	}

	joined := strings.Join(parts, "/")

	if len(parts) > 0 && root == "" && strings.HasPrefix(serverRoot, "/") {
		return "/" + joined
	}

	return joined
}
