package lab

import "fmt"

type SurfaceKind string

const (
	SurfaceTerminal SurfaceKind = "terminal"
	SurfaceNotebook SurfaceKind = "notebook"
	SurfaceIDE      SurfaceKind = "ide"
	SurfaceEditor   SurfaceKind = "editor"
)

func ParseSurfaceKind(s string) (SurfaceKind, error) {
	switch k := SurfaceKind(s); k {
	case SurfaceTerminal, SurfaceNotebook, SurfaceIDE, SurfaceEditor:
		return k, nil
	}
	return "", fmt.Errorf("unknown surface kind %q", s)
}

type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthStarting  HealthStatus = "starting"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Surface is one interactive development interface exposed by a session,
// published from InternalPort inside the container to ExternalPort on the host.
type Surface struct {
	Kind         SurfaceKind  `json:"kind"`
	InternalPort int          `json:"internal_port"`
	ExternalPort int          `json:"external_port"`
	Health       HealthStatus `json:"health"`
}

// SurfaceKinds returns the kinds of the given surfaces in order.
func SurfaceKinds(surfaces []Surface) []SurfaceKind {
	kinds := make([]SurfaceKind, len(surfaces))
	for i, s := range surfaces {
		kinds[i] = s.Kind
	}
	return kinds
}
