package installer

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/shotline/server/internal/model"
)

// Deployer unpacks validated addon archives into the live versioned addon
// tree. Extraction happens in a scratch directory created next to the final
// destination, so the last move is a same-filesystem rename and a partially
// unpacked addon is never visible under the live path.
type Deployer struct {
	root string
	// sem bounds concurrent extractions; unzipping is CPU- and I/O-bound
	// and must not stall request handling.
	sem chan struct{}
}

func NewDeployer(root string, workers int) *Deployer {
	if workers < 1 {
		workers = 1
	}
	return &Deployer{
		root: root,
		sem:  make(chan struct{}, workers),
	}
}

// Root returns the base directory of the deployed addon tree.
func (d *Deployer) Root() string {
	return d.root
}

// Deploy extracts the descriptor's archive and atomically swaps it into
// <root>/<name>/<version>/. Reinstalled versions are last-writer-wins. On
// success the source archive is deleted; on failure the destination is left
// untouched.
func (d *Deployer) Deploy(ctx context.Context, desc *model.PackageDescriptor) error {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	result := make(chan error, 1)
	go func() {
		defer func() { <-d.sem }()
		result <- d.deploySync(desc)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		// The extraction goroutine keeps running to completion; the
		// abandoned job will be re-deployed on recovery, which is safe
		// because deployment is last-writer-wins.
		return ctx.Err()
	}
}

func (d *Deployer) deploySync(desc *model.PackageDescriptor) error {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return fmt.Errorf("failed to create addon root: %w", err)
	}

	scratch, err := os.MkdirTemp(d.root, ".deploy-")
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Printf("Failed to clean up scratch directory %s: %v", scratch, err)
		}
	}()

	if err := extractArchive(desc.SourceArchivePath, scratch); err != nil {
		return err
	}

	source := scratch
	if desc.Layout == model.LayoutWrapped {
		source = filepath.Join(scratch, "addon")
		if info, err := os.Stat(source); err != nil || !info.IsDir() {
			return fmt.Errorf("%w: archive does not contain an addon/ directory", ErrUnsupportedPackage)
		}
	}

	target := filepath.Join(d.root, desc.Name, desc.Version)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create addon directory: %w", err)
	}

	if _, err := os.Stat(target); err == nil {
		log.Printf("Removing existing addon %s %s", desc.Name, desc.Version)
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("failed to remove existing addon: %w", err)
		}
	}

	if err := os.Rename(source, target); err != nil {
		return fmt.Errorf("failed to move addon into place: %w", err)
	}

	if err := os.Remove(desc.SourceArchivePath); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to remove archive %s: %v", desc.SourceArchivePath, err)
	}
	return nil
}

// extractArchive unpacks zipPath under dest, preserving each member's
// recorded permission bits.
func extractArchive(zipPath, dest string) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if err := extractMember(file, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractMember(file *zip.File, dest string) error {
	// Reject members that escape the destination (zip-slip).
	cleaned := filepath.Clean(file.Name)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return fmt.Errorf("%w: archive member escapes destination: %s", ErrUnsupportedPackage, file.Name)
	}
	target := filepath.Join(dest, cleaned)

	if file.FileInfo().IsDir() {
		return os.MkdirAll(target, file.Mode().Perm()|0o700)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", file.Name, err)
	}

	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open archive member %s: %w", file.Name, err)
	}
	defer rc.Close()

	mode := file.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("failed to extract %s: %w", file.Name, err)
	}

	// OpenFile mode is masked by umask; restore the recorded bits.
	if err := os.Chmod(target, mode); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", target, err)
	}
	return nil
}
