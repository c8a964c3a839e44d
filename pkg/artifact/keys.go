package artifact

import (
	"path"
	"strings"
)

// ReservedDir holds platform metadata inside every deployment prefix.
const ReservedDir = ".peep"

const manifestName = "manifest.json"

// DeploymentPrefix returns the object prefix owned by a deployment.
func DeploymentPrefix(projectID, deploymentID string) string {
	return strings.Trim(projectID, "/") + "/" + strings.Trim(deploymentID, "/")
}

// ObjectKey maps a request path onto an object key inside a deployment prefix.
// Paths are cleaned so they can never escape the prefix, and directory-like
// paths resolve to index.html.
func ObjectKey(projectID, deploymentID, requestPath string) string {
	return DeploymentPrefix(projectID, deploymentID) + "/" + strings.TrimPrefix(cleanRequestPath(requestPath), "/")
}

// IsReserved reports whether requestPath targets platform metadata.
func IsReserved(requestPath string) bool {
	cleaned := path.Clean("/" + requestPath)
	return cleaned == "/"+ReservedDir || strings.HasPrefix(cleaned, "/"+ReservedDir+"/")
}

// ManifestKey returns the key of the manifest that seals prefix.
func ManifestKey(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + ReservedDir + "/" + manifestName
}

func cleanRequestPath(requestPath string) string {
	if i := strings.IndexAny(requestPath, "?#"); i >= 0 {
		requestPath = requestPath[:i]
	}
	directory := requestPath == "" || strings.HasSuffix(requestPath, "/")
	cleaned := path.Clean("/" + requestPath)
	if directory || cleaned == "/" {
		return path.Join(cleaned, "index.html")
	}
	return cleaned
}
