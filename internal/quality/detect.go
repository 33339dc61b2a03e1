package quality

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"
)

// ArtifactType is the detected kind of generated project.
type ArtifactType string

// Known artifact types. Thresholds are looked up by these names.
const (
	TypeGo         ArtifactType = "go"
	TypeRust       ArtifactType = "rust"
	TypeJava       ArtifactType = "java"
	TypeTypeScript ArtifactType = "typescript"
	TypeJavaScript ArtifactType = "javascript"
	TypePython     ArtifactType = "python"
	TypeUnknown    ArtifactType = "unknown"
)

// Detection is the result of inspecting a workspace.
type Detection struct {
	Type     ArtifactType `json:"type"`
	Manifest string       `json:"manifest,omitempty"`
	Name     string       `json:"name,omitempty"`
}

var extensionTypes = map[string]ArtifactType{
	".go":   TypeGo,
	".rs":   TypeRust,
	".java": TypeJava,
	".ts":   TypeTypeScript,
	".tsx":  TypeTypeScript,
	".js":   TypeJavaScript,
	".mjs":  TypeJavaScript,
	".jsx":  TypeJavaScript,
	".py":   TypePython,
}

type cargoManifest struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
}

type pyproject struct {
	Project struct {
		Name string `toml:"name"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Name string `toml:"name"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

type packageJSON struct {
	Name            string            `json:"name"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// DetectArtifactType inspects root on fsys. Manifests win over file
// extensions; with neither, the type is TypeUnknown.
func DetectArtifactType(fsys afero.Fs, root string) (Detection, error) {
	exists := func(name string) bool {
		ok, _ := afero.Exists(fsys, filepath.Join(root, name))
		return ok
	}

	if exists("go.mod") {
		return Detection{Type: TypeGo, Manifest: "go.mod", Name: goModule(fsys, root)}, nil
	}
	if exists("Cargo.toml") {
		var m cargoManifest
		if _, err := decodeTOML(fsys, filepath.Join(root, "Cargo.toml"), &m); err != nil {
			return Detection{}, err
		}
		return Detection{Type: TypeRust, Manifest: "Cargo.toml", Name: m.Package.Name}, nil
	}
	if exists("pom.xml") {
		return Detection{Type: TypeJava, Manifest: "pom.xml"}, nil
	}
	if exists("build.gradle") || exists("build.gradle.kts") {
		return Detection{Type: TypeJava, Manifest: "build.gradle"}, nil
	}
	if exists("package.json") {
		var pkg packageJSON
		data, err := afero.ReadFile(fsys, filepath.Join(root, "package.json"))
		if err != nil {
			return Detection{}, fmt.Errorf("reading package.json: %w", err)
		}
		if err := json.Unmarshal(data, &pkg); err != nil {
			return Detection{}, fmt.Errorf("parsing package.json: %w", err)
		}
		typ := TypeJavaScript
		_, dep := pkg.Dependencies["typescript"]
		_, dev := pkg.DevDependencies["typescript"]
		if dep || dev || exists("tsconfig.json") {
			typ = TypeTypeScript
		}
		return Detection{Type: typ, Manifest: "package.json", Name: pkg.Name}, nil
	}
	if exists("tsconfig.json") {
		return Detection{Type: TypeTypeScript, Manifest: "tsconfig.json"}, nil
	}
	if exists("pyproject.toml") {
		var p pyproject
		if _, err := decodeTOML(fsys, filepath.Join(root, "pyproject.toml"), &p); err != nil {
			return Detection{}, err
		}
		name := p.Project.Name
		if name == "" {
			name = p.Tool.Poetry.Name
		}
		return Detection{Type: TypePython, Manifest: "pyproject.toml", Name: name}, nil
	}
	for _, m := range []string{"requirements.txt", "setup.py"} {
		if exists(m) {
			return Detection{Type: TypePython, Manifest: m}, nil
		}
	}

	typ, err := dominantExtension(fsys, root)
	if err != nil {
		return Detection{}, err
	}
	return Detection{Type: typ}, nil
}

// DetectFromPaths picks the most common artifact type among paths by
// extension.
func DetectFromPaths(paths []string) ArtifactType {
	counts := make(map[ArtifactType]int)
	for _, p := range paths {
		if t, ok := extensionTypes[strings.ToLower(filepath.Ext(p))]; ok {
			counts[t]++
		}
	}
	return pickDominant(counts)
}

func pickDominant(counts map[ArtifactType]int) ArtifactType {
	best, bestN := TypeUnknown, 0
	for t, n := range counts {
		// Ties resolve by name so detection is deterministic.
		if n > bestN || (n == bestN && t < best) {
			best, bestN = t, n
		}
	}
	return best
}

func dominantExtension(fsys afero.Fs, root string) (ArtifactType, error) {
	counts := make(map[ArtifactType]int)
	err := afero.Walk(fsys, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			if path != root && (strings.HasPrefix(info.Name(), ".") || info.Name() == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if t, ok := extensionTypes[strings.ToLower(filepath.Ext(path))]; ok {
			counts[t]++
		}
		return nil
	})
	if err != nil {
		return TypeUnknown, fmt.Errorf("scanning workspace: %w", err)
	}
	return pickDominant(counts), nil
}

func decodeTOML(fsys afero.Fs, path string, v any) (toml.MetaData, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return toml.MetaData{}, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	md, err := toml.Decode(string(data), v)
	if err != nil {
		return md, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return md, nil
}

func goModule(fsys afero.Fs, root string) string {
	data, err := afero.ReadFile(fsys, filepath.Join(root, "go.mod"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "module "); ok {
			return strings.Trim(strings.TrimSpace(rest), `"`)
		}
	}
	return ""
}
