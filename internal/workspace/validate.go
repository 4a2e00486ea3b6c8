package workspace

import (
	"regexp"
	"strings"

	apperrors "github.com/cmux/cmux/internal/common/errors"
)

// workspaceNameRe is the precise name rule: a leading alphanumeric followed
// by up to 62 alphanumerics, dots, underscores, or hyphens. No path
// separators, no control characters, no leading dot, bounded length.
var workspaceNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,62}$`)

// ValidateWorkspaceName checks a user-supplied workspace name.
func ValidateWorkspaceName(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperrors.Validation("workspace name must not be empty")
	}
	if !workspaceNameRe.MatchString(name) {
		return apperrors.Validation(
			"invalid workspace name: must start with a letter or digit and contain only letters, digits, dots, underscores, or hyphens (max 63 characters)")
	}
	return nil
}

// ValidateTrunk checks the base branch argument.
func ValidateTrunk(trunk string) error {
	if strings.TrimSpace(trunk) == "" {
		return apperrors.Validation("trunk branch must not be empty")
	}
	return nil
}
