package api

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/protocol"
)

const maxIdentifierLen = 128

var (
	// sessionIDPattern matches ids handed out by the daemon: the first twelve
	// characters of a UUID.
	sessionIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{3}$`)
	// identifierPattern matches user and course ids supplied by the platform.
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]*$`)
	// workspaceIDPattern matches valid workspace IDs: lowercase letters, numbers, hyphens
	workspaceIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)
)

func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

func ValidateWorkspaceID(id string) error {
	if len(id) < 2 || len(id) > 64 || !workspaceIDPattern.MatchString(id) {
		return fmt.Errorf("invalid workspace id %q", id)
	}
	return nil
}

func validateIdentifier(field, v string) error {
	switch {
	case v == "":
		return fmt.Errorf("%s is required", field)
	case len(v) > maxIdentifierLen:
		return fmt.Errorf("%s must not exceed %d characters", field, maxIdentifierLen)
	case !identifierPattern.MatchString(v):
		return fmt.Errorf("%s contains invalid characters", field)
	}
	return nil
}

// createRequest validates the body of a get-or-create call and converts it.
func createRequest(req protocol.CreateLabRequest) (session.CreateRequest, error) {
	out := session.CreateRequest{
		UserID:   strings.TrimSpace(req.UserID),
		CourseID: strings.TrimSpace(req.CourseID),
	}
	if err := validateIdentifier("user_id", out.UserID); err != nil {
		return out, err
	}
	if err := validateIdentifier("course_id", out.CourseID); err != nil {
		return out, err
	}
	for _, name := range req.Surfaces {
		k, err := lab.ParseSurfaceKind(name)
		if err != nil {
			return out, err
		}
		out.Surfaces = append(out.Surfaces, k)
	}
	return out, nil
}
