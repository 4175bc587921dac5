package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Fetcher streams URLs to local files without buffering whole payloads in
// memory. Downloads land in a ".part"-suffixed temporary file that is renamed
// into place only on full success, so consumers never observe a half-written
// file.
type Fetcher struct {
	httpClient *http.Client
}

// FileInfo describes a completed download.
type FileInfo struct {
	Filename    string
	Size        int64
	ContentType string
}

// ProgressFunc receives download progress as a 0-100 percentage. It is called
// at most once per second, and never when the response length is unknown.
type ProgressFunc func(percent int)

func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch downloads url to targetPath. If targetPath is an existing directory,
// the filename is taken from the Content-Disposition header, falling back to
// the URL basename. Any non-2xx status is a fatal error; retrying is the
// caller's concern.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, targetPath string, onProgress ProgressFunc) (*FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid download URL: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to download file: error %d", resp.StatusCode)
	}

	finalPath := targetPath
	if info, err := os.Stat(targetPath); err == nil && info.IsDir() {
		filename := fileNameFromHeaders(resp.Header)
		if filename == "" {
			filename = urlBasename(rawURL)
		}
		finalPath = filepath.Join(targetPath, filename)
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	tempPath := fmt.Sprintf("%s.%s.part", finalPath, uuid.New().String()[:8])

	size, err := f.streamToFile(resp.Body, tempPath, resp.ContentLength, onProgress)
	if err != nil {
		os.Remove(tempPath)
		return nil, err
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("failed to move download into place: %w", err)
	}

	return &FileInfo{
		Filename:    filepath.Base(finalPath),
		Size:        size,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func (f *Fetcher) streamToFile(body io.Reader, tempPath string, contentLength int64, onProgress ProgressFunc) (int64, error) {
	out, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer out.Close()

	var (
		received int64
		lastTick time.Time
		buf      = make([]byte, 64*1024)
	)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return received, fmt.Errorf("failed to write download chunk: %w", err)
			}
			received += int64(n)

			if onProgress != nil && contentLength > 0 && time.Since(lastTick) > time.Second {
				onProgress(int(received * 100 / contentLength))
				lastTick = time.Now()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return received, fmt.Errorf("download interrupted: %w", readErr)
		}
	}

	if err := out.Close(); err != nil {
		return received, fmt.Errorf("failed to flush download: %w", err)
	}

	if onProgress != nil && contentLength > 0 {
		onProgress(100)
	}
	return received, nil
}

// fileNameFromHeaders extracts the filename from a Content-Disposition header.
func fileNameFromHeaders(headers http.Header) string {
	header := headers.Get("Content-Disposition")
	if header == "" {
		return ""
	}
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "filename=") {
			continue
		}
		name := strings.TrimPrefix(part, "filename=")
		name = strings.Trim(name, `"`)
		// Reject path components smuggled in by the server.
		return filepath.Base(name)
	}
	return ""
}

func urlBasename(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || path.Base(parsed.Path) == "/" || path.Base(parsed.Path) == "." {
		return "download"
	}
	return path.Base(parsed.Path)
}
