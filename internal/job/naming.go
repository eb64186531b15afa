package job

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// BranchPrefix is the namespace for auto-generated job branches.
const BranchPrefix = "codex/"

// FeatureBranchPrefix is the namespace for feature-derived branches.
const FeatureBranchPrefix = "feature/"

// maxSlugLength bounds the prompt-derived slug in generated branch names.
const maxSlugLength = 32

var (
	nonAlnum     = regexp.MustCompile(`[^a-z0-9]+`)
	multiHyphen  = regexp.MustCompile(`-+`)
	nonPathSafe  = regexp.MustCompile(`[^a-z0-9._-]+`)
	branchIllega = regexp.MustCompile(`[^a-zA-Z0-9/_.-]+`)
)

// Slugify lowercases s, maps runs of non-alphanumerics to single hyphens,
// trims leading/trailing hyphens, and truncates to maxSlugLength.
func Slugify(s string) string {
	slug := strings.ToLower(s)
	slug = nonAlnum.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLength {
		slug = slug[:maxSlugLength]
		slug = strings.Trim(slug, "-")
	}
	return slug
}

// GenerateBranchName derives a unique branch name from a prompt:
// codex/<slug>-<base36 timestamp>-<8 hex random>.
func GenerateBranchName(prompt string) string {
	slug := Slugify(prompt)
	if slug == "" {
		slug = "job"
	}
	ts := strconv.FormatInt(time.Now().Unix(), 36)
	return fmt.Sprintf("%s%s-%s-%s", BranchPrefix, slug, ts, randomHex(4))
}

// SanitizeFeatureID maps a feature id to a branch-safe token. Returns the
// empty string when nothing safe survives.
func SanitizeFeatureID(featureID string) string {
	s := strings.TrimSpace(featureID)
	s = branchIllega.ReplaceAllString(s, "-")
	s = multiHyphen.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-./")
	return s
}

// FeatureBranchName returns feature/<sanitised id>, or "" when the id
// sanitises to nothing (the caller then falls back to GenerateBranchName).
func FeatureBranchName(featureID string) string {
	s := SanitizeFeatureID(featureID)
	if s == "" {
		return ""
	}
	return FeatureBranchPrefix + s
}

// RepoCacheName maps a repo URL to a cache directory name: a sanitised slug
// plus a stable truncated hash of the exact URL.
func RepoCacheName(repoURL string) string {
	base := repoURL
	base = strings.TrimSuffix(base, ".git")
	if i := strings.LastIndexAny(base, "/:"); i >= 0 && i < len(base)-1 {
		base = base[i+1:]
	}
	slug := strings.ToLower(base)
	slug = nonPathSafe.ReplaceAllString(slug, "-")
	slug = multiHyphen.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-.")
	if slug == "" {
		slug = "repo"
	}
	return slug + "-" + shortHash(repoURL, 12)
}

// WorktreeDirName folds the repo hash, the sanitised branch, and a hash of
// the exact branch name into one directory component. The branch hash keeps
// branches that differ only in path separators ("feat/x" vs "feat-x") from
// colliding after sanitisation.
func WorktreeDirName(repoURL, branch string) string {
	sanitized := strings.ToLower(branch)
	sanitized = strings.ReplaceAll(sanitized, "/", "-")
	sanitized = nonPathSafe.ReplaceAllString(sanitized, "-")
	sanitized = multiHyphen.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-.")
	if len(sanitized) > 48 {
		sanitized = strings.Trim(sanitized[:48], "-.")
	}
	if sanitized == "" {
		sanitized = "branch"
	}
	return fmt.Sprintf("%s-%s-%s", shortHash(repoURL, 12), sanitized, shortHash(branch, 8))
}

// shortHash returns the first n hex chars of sha256(s).
func shortHash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	h := hex.EncodeToString(sum[:])
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}

// randomHex returns 2n hex chars of cryptographic randomness.
func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// fall back to a time-derived suffix rather than panicking.
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}
