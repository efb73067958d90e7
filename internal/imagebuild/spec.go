// Package imagebuild turns a lab image description into a runtime image,
// building each distinct description at most once.
package imagebuild

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/p-arndt/labkasten/internal/lab"
)

// SurfaceSpec is how one surface gets installed and started inside the image.
type SurfaceSpec struct {
	Kind    lab.SurfaceKind `json:"kind"`
	Port    int             `json:"port"`
	Install []string        `json:"install,omitempty"`
	Command string          `json:"command"`
}

// Spec is the description of a lab image. Two specs with the same canonical
// form produce the same image.
type Spec struct {
	BaseImage string        `json:"base_image"`
	Packages  []string      `json:"packages,omitempty"`
	Surfaces  []SurfaceSpec `json:"surfaces"`
}

// Canonical returns a copy with packages sorted and de-duplicated and
// surfaces ordered by kind, one per kind.
func (s Spec) Canonical() Spec {
	out := Spec{BaseImage: strings.TrimSpace(s.BaseImage)}

	seen := make(map[string]bool, len(s.Packages))
	for _, p := range s.Packages {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out.Packages = append(out.Packages, p)
	}
	sort.Strings(out.Packages)

	kinds := make(map[lab.SurfaceKind]bool, len(s.Surfaces))
	for _, sf := range s.Surfaces {
		if kinds[sf.Kind] {
			continue
		}
		kinds[sf.Kind] = true
		sf.Install = append([]string(nil), sf.Install...)
		out.Surfaces = append(out.Surfaces, sf)
	}
	sort.Slice(out.Surfaces, func(i, j int) bool {
		return out.Surfaces[i].Kind < out.Surfaces[j].Kind
	})
	return out
}

// Hash is the hex sha256 of the canonical JSON encoding.
func (s Spec) Hash() string {
	data, err := json.Marshal(s.Canonical())
	if err != nil {
		// Spec holds only strings, ints and slices of them.
		panic(fmt.Sprintf("imagebuild: encoding spec: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

const entrypointPath = "/usr/local/bin/labkasten-entrypoint"

// BuildContext is the set of files handed to the build tool.
type BuildContext struct {
	Files map[string][]byte
}

// ContextFor renders the build files for spec. installCommand is a format
// string with a single %s receiving the space-separated package list.
func ContextFor(spec Spec, installCommand string) BuildContext {
	spec = spec.Canonical()

	var df strings.Builder
	fmt.Fprintf(&df, "FROM %s\n", spec.BaseImage)
	fmt.Fprintf(&df, "LABEL labkasten.managed=\"true\" labkasten.image_hash=%q\n", spec.Hash())
	if len(spec.Packages) > 0 {
		fmt.Fprintf(&df, "RUN "+installCommand+"\n", strings.Join(spec.Packages, " "))
	}
	for _, sf := range spec.Surfaces {
		for _, step := range sf.Install {
			fmt.Fprintf(&df, "RUN %s\n", step)
		}
	}
	ports := make([]string, 0, len(spec.Surfaces))
	for _, sf := range spec.Surfaces {
		ports = append(ports, strconv.Itoa(sf.Port))
	}
	if len(ports) > 0 {
		fmt.Fprintf(&df, "EXPOSE %s\n", strings.Join(ports, " "))
	}
	fmt.Fprintf(&df, "COPY entrypoint.sh %s\n", entrypointPath)
	fmt.Fprintf(&df, "RUN chmod 0755 %s\n", entrypointPath)
	fmt.Fprintf(&df, "ENTRYPOINT [%q]\n", entrypointPath)

	var ep strings.Builder
	ep.WriteString("#!/bin/sh\n")
	ep.WriteString("# Starts every lab surface and stays up while any of them runs.\n")
	for _, sf := range spec.Surfaces {
		fmt.Fprintf(&ep, "%s &\n", sf.Command)
	}
	ep.WriteString("wait\n")

	return BuildContext{Files: map[string][]byte{
		"Dockerfile":    []byte(df.String()),
		"entrypoint.sh": []byte(ep.String()),
	}}
}

// Tar streams the context as an uncompressed tar archive.
func (b BuildContext) Tar() (io.Reader, error) {
	names := make([]string, 0, len(b.Files))
	for name := range b.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		data := b.Files[name]
		hdr := &tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("tar header %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("tar write %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("tar close: %w", err)
	}
	return &buf, nil
}
