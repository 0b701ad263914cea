package domain

import (
	"fmt"
	"regexp"
)

// Study identifies a simulated study. Its OID follows the
// ProjectName(Environment) convention used by the exchange endpoints.
type Study struct {
	OID                string `json:"oid"`
	ProjectName        string `json:"projectName"`
	Environment        string `json:"environment"`
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	MetadataVersionOID string `json:"metadataVersionOid"`
}

var studyOIDPattern = regexp.MustCompile(`^(.+)\((.+)\)$`)

// BuildStudyOID joins a project name and environment into a study OID.
func BuildStudyOID(projectName, environment string) string {
	return fmt.Sprintf("%s(%s)", projectName, environment)
}

// ParseStudyOID splits a ProjectName(Environment) OID. ok is false when the
// value does not follow the convention.
func ParseStudyOID(oid string) (projectName, environment string, ok bool) {
	m := studyOIDPattern.FindStringSubmatch(oid)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
