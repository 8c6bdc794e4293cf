// Package artifacts manages the local artifact repository: per-version
// generation of service manifests and packaging of local artifacts.
package artifacts

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/convergectl/internal/logging"
	"github.com/danmuck/convergectl/internal/topology"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidRef     = errors.New("artifacts: invalid local reference")
	ErrOutsideRoot    = errors.New("artifacts: path escapes repository root")
	ErrMissingVersion = errors.New("artifacts: version required")
)

const ManifestName = "manifest.yaml"

// Manifest is the generated description of one service artifact.
type Manifest struct {
	Name        string         `yaml:"name"`
	Version     string         `yaml:"version"`
	Artifact    string         `yaml:"artifact,omitempty"`
	Units       int            `yaml:"units"`
	Options     map[string]any `yaml:"options,omitempty"`
	Constraints string         `yaml:"constraints,omitempty"`
	Expose      bool           `yaml:"expose,omitempty"`
	GeneratedAt time.Time      `yaml:"generated_at"`
}

// Repository is a directory of generated artifacts keyed by version.
type Repository struct {
	Root string
	// OutDir receives packaged archives; defaults to <os temp>/convergectl-packages.
	OutDir string
}

// Generate writes one manifest per service under <root>/<version>. It is a
// no-op when the version directory already exists.
func (r *Repository) Generate(version string, services map[string]topology.ServiceSpec) error {
	version = strings.TrimSpace(version)
	if version == "" {
		return ErrMissingVersion
	}
	buildDir, err := r.within(version)
	if err != nil {
		return err
	}
	if _, err := os.Stat(buildDir); err == nil {
		logging.Debugf("artifacts.Repository.Generate version=%q exists", version)
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.MkdirAll(r.Root, 0o755); err != nil {
		return err
	}
	staging, err := os.MkdirTemp(r.Root, "."+version+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	now := time.Now().UTC()
	for name, spec := range services {
		rel, err := artifactPath(name, spec)
		if err != nil {
			return err
		}
		dir := filepath.Join(staging, rel)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		manifest := Manifest{
			Name:        name,
			Version:     version,
			Artifact:    spec.Artifact,
			Units:       spec.UnitCount(),
			Options:     spec.Config,
			Constraints: spec.Constraints,
			Expose:      spec.Expose,
			GeneratedAt: now,
		}
		raw, err := yaml.Marshal(manifest)
		if err != nil {
			return fmt.Errorf("artifacts: encode manifest %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, ManifestName), raw, 0o644); err != nil {
			return err
		}
	}
	if err := os.Rename(staging, buildDir); err != nil {
		return err
	}
	logging.Infof("artifacts.Repository.Generate version=%q services=%d", version, len(services))
	return nil
}

// Package zips the directory behind a local reference and returns the archive path.
func (r *Repository) Package(version, ref string) (string, error) {
	series, id, err := ParseLocalRef(ref)
	if err != nil {
		return "", err
	}
	versionDir, err := r.within(version)
	if err != nil {
		return "", err
	}
	src, err := contained(versionDir, series, trimRevision(id))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("artifacts: package %s: %w", ref, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("artifacts: package %s: %s is not a directory", ref, src)
	}

	outDir := r.OutDir
	if outDir == "" {
		outDir = filepath.Join(os.TempDir(), "convergectl-packages")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	archive := filepath.Join(outDir, id+".zip")
	if err := zipDir(src, archive); err != nil {
		return "", fmt.Errorf("artifacts: package %s: %w", ref, err)
	}
	logging.Debugf("artifacts.Repository.Package ref=%q archive=%q", ref, archive)
	return archive, nil
}

// within joins parts under Root and rejects results that leave it.
func (r *Repository) within(parts ...string) (string, error) {
	root, err := filepath.Abs(r.Root)
	if err != nil {
		return "", err
	}
	return contained(root, parts...)
}

// contained joins parts under base and rejects base itself or anything outside it.
func contained(base string, parts ...string) (string, error) {
	joined := filepath.Join(append([]string{base}, parts...)...)
	rel, err := filepath.Rel(base, joined)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, filepath.Join(parts...))
	}
	return joined, nil
}

// ParseLocalRef splits local:<series>/<id> or local:<id>.
func ParseLocalRef(ref string) (series, id string, err error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(ref), topology.LocalPrefix)
	if !ok || body == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if before, after, found := strings.Cut(body, "/"); found {
		series, id = before, after
	} else {
		id = body
	}
	if id == "" || strings.Contains(id, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return series, id, nil
}

// trimRevision drops a trailing -<n> revision suffix.
func trimRevision(id string) string {
	idx := strings.LastIndex(id, "-")
	if idx <= 0 {
		return id
	}
	if _, err := strconv.Atoi(id[idx+1:]); err != nil {
		return id
	}
	return id[:idx]
}

// artifactPath is <series>/<name> for local references and <service> otherwise.
func artifactPath(service string, spec topology.ServiceSpec) (string, error) {
	ref, ok := spec.LocalRef()
	if !ok {
		return service, nil
	}
	series, id, err := ParseLocalRef(ref)
	if err != nil {
		return "", err
	}
	return filepath.Join(series, trimRevision(id)), nil
}

func zipDir(src, dst string) error {
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)
	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return fmt.Errorf("zip create %s: %w", rel, err)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})
	closeErr := zw.Close()
	fileErr := out.Close()
	if err := errors.Join(walkErr, closeErr, fileErr); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
