package installer

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/shotline/server/internal/model"
)

// ErrUnsupportedPackage marks archives that carry no usable manifest: either
// none of the recognized manifest files is present, or the one found is
// missing required fields.
var ErrUnsupportedPackage = errors.New("unsupported addon package")

// Manifest filenames, in priority order. The first match wins; dialects are
// never merged.
var manifestNames = []string{
	"manifest.json",
	"package.yaml",
	"package.yml",
	"package.py",
}

// ResolveManifest inspects a downloaded addon archive and extracts its
// canonical package descriptor. It only reads archive member bytes; it never
// writes to disk.
func ResolveManifest(zipPath string) (*model.PackageDescriptor, error) {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open archive: %v", ErrUnsupportedPackage, err)
	}
	defer reader.Close()

	members := make(map[string]*zip.File, len(reader.File))
	for _, file := range reader.File {
		members[file.Name] = file
	}

	for _, name := range manifestNames {
		file, ok := members[name]
		if !ok {
			continue
		}

		content, err := readMember(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}

		var desc *model.PackageDescriptor
		switch name {
		case "manifest.json":
			desc, err = parseJSONManifest(content)
		case "package.yaml", "package.yml":
			desc, err = parseYAMLManifest(content)
		case "package.py":
			desc, err = parsePackageScript(content)
		}
		if err != nil {
			return nil, err
		}

		desc.SourceArchivePath = zipPath
		return desc, nil
	}

	return nil, fmt.Errorf("%w: no recognized manifest file in archive", ErrUnsupportedPackage)
}

func readMember(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// parseJSONManifest handles the manifest.json dialect: a flat object with
// addon_name and addon_version, plus an optional required_ayon_version range.
// Archives using this dialect wrap their payload in a top-level addon/
// directory.
func parseJSONManifest(content []byte) (*model.PackageDescriptor, error) {
	var manifest struct {
		AddonName       string `json:"addon_name"`
		AddonVersion    string `json:"addon_version"`
		RequiredVersion string `json:"required_ayon_version"`
	}
	if err := json.Unmarshal(content, &manifest); err != nil {
		return nil, fmt.Errorf("%w: invalid manifest.json: %v", ErrUnsupportedPackage, err)
	}

	if manifest.AddonName == "" || manifest.AddonVersion == "" {
		return nil, fmt.Errorf("%w: addon name or version not found in manifest", ErrUnsupportedPackage)
	}

	return &model.PackageDescriptor{
		Name:         manifest.AddonName,
		Version:      manifest.AddonVersion,
		HostVersions: manifest.RequiredVersion,
		Layout:       model.LayoutWrapped,
	}, nil
}

// parseYAMLManifest handles package.yaml / package.yml: name and version are
// required; files map directly into the target directory.
func parseYAMLManifest(content []byte) (*model.PackageDescriptor, error) {
	var manifest struct {
		Name        string `yaml:"name"`
		Version     string `yaml:"version"`
		HostVersion string `yaml:"ayon_version"`
	}
	if err := yaml.Unmarshal(content, &manifest); err != nil {
		return nil, fmt.Errorf("%w: invalid package yaml: %v", ErrUnsupportedPackage, err)
	}

	if manifest.Name == "" || manifest.Version == "" {
		return nil, fmt.Errorf("%w: addon name or version not found in package file", ErrUnsupportedPackage)
	}

	return &model.PackageDescriptor{
		Name:         manifest.Name,
		Version:      manifest.Version,
		HostVersions: manifest.HostVersion,
		Layout:       model.LayoutFlat,
	}, nil
}

var (
	scriptNamePattern        = regexp.MustCompile(`(?m)^\s*name\s*=\s*["']([^"']+)["']`)
	scriptVersionPattern     = regexp.MustCompile(`(?m)^\s*version\s*=\s*["']([^"']+)["']`)
	scriptHostVersionPattern = regexp.MustCompile(`(?m)^\s*ayon_version\s*=\s*["']([^"']+)["']`)
)

// parsePackageScript handles the package.py dialect. The script is treated as
// untrusted input and is never executed: the three recognized module-level
// string bindings are mined out of the text statically.
func parsePackageScript(content []byte) (*model.PackageDescriptor, error) {
	name := firstMatch(scriptNamePattern, content)
	version := firstMatch(scriptVersionPattern, content)
	hostVersions := firstMatch(scriptHostVersionPattern, content)

	if name == "" || version == "" {
		return nil, fmt.Errorf("%w: addon name or version not found in package script", ErrUnsupportedPackage)
	}

	return &model.PackageDescriptor{
		Name:         name,
		Version:      version,
		HostVersions: hostVersions,
		Layout:       model.LayoutFlat,
	}, nil
}

func firstMatch(pattern *regexp.Regexp, content []byte) string {
	match := pattern.FindSubmatch(content)
	if match == nil {
		return ""
	}
	return string(match[1])
}
