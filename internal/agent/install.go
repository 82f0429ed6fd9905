package agent

import (
	"archive/zip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"xray-control/internal/logger"
	"xray-control/internal/security"
)

// nodeCertName is the DNS name of a generated node certificate. The master
// pins the certificate and verifies it against this name.
const nodeCertName = "xray-control-node"

var releaseTagPattern = regexp.MustCompile(`^(latest|v?\d+\.\d+\.\d+)$`)

func validReleaseTag(tag string) bool {
	return releaseTagPattern.MatchString(tag)
}

func validAssetName(name string) bool {
	return name != "" && name != "." && name != ".." && filepath.Base(name) == name
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	return data, nil
}

// loadOrCreateCertificate loads the node key pair, generating and storing a
// self-signed one when either file is missing.
func loadOrCreateCertificate(certFile, keyFile string) (tls.Certificate, error) {
	if exists(certFile) && exists(keyFile) {
		return tls.LoadX509KeyPair(certFile, keyFile)
	}

	certPEM, keyPEM, err := security.GenerateSelfSigned(nodeCertName, []string{nodeCertName}, 10*365*24*time.Hour)
	if err != nil {
		return tls.Certificate{}, err
	}
	for _, dir := range []string{filepath.Dir(certFile), filepath.Dir(keyFile)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return tls.Certificate{}, err
		}
	}
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return tls.Certificate{}, err
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, err
	}
	logger.Noticef("generated node certificate %s", certFile)
	return tls.X509KeyPair(certPEM, keyPEM)
}

// installCore downloads the release archive for version and replaces the
// binary and the bundled geo files.
func (a *Agent) installCore(ctx context.Context, version string) error {
	arch, err := resolveArch()
	if err != nil {
		return err
	}

	versionSegment := "latest/download"
	if !strings.EqualFold(version, "latest") {
		if !strings.HasPrefix(version, "v") {
			version = "v" + version
		}
		versionSegment = "download/" + version
	}

	downloadURL := fmt.Sprintf("%s/%s/Xray-linux-%s.zip", a.releaseURL, versionSegment, arch)
	logger.Infof("[install] downloading Xray from %s", downloadURL)

	tempFile, err := os.CreateTemp("", "xray-*.zip")
	if err != nil {
		return err
	}
	defer func() {
		tempFile.Close()
		os.Remove(tempFile.Name())
	}()

	if err := a.downloadTo(ctx, downloadURL, tempFile); err != nil {
		return err
	}
	return a.extractArchive(tempFile.Name())
}

func (a *Agent) extractArchive(path string) error {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	if err := os.MkdirAll(filepath.Dir(a.cfg.XrayBinary), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(a.cfg.XrayAssetsPath, 0o755); err != nil {
		return err
	}

	foundBinary := false
	for _, f := range reader.File {
		var dstPath string
		switch {
		case strings.EqualFold(f.Name, "xray"):
			dstPath = a.cfg.XrayBinary
			foundBinary = true
		case strings.EqualFold(f.Name, "geoip.dat"), strings.EqualFold(f.Name, "geosite.dat"):
			dstPath = filepath.Join(a.cfg.XrayAssetsPath, strings.ToLower(f.Name))
		default:
			continue
		}

		mode := os.FileMode(0o644)
		if dstPath == a.cfg.XrayBinary {
			mode = 0o755
		}
		if err := extractFile(f, dstPath, mode); err != nil {
			return err
		}
	}
	if !foundBinary {
		return errors.New("archive does not contain the xray binary")
	}
	return nil
}

func extractFile(zf *zip.File, dest string, mode os.FileMode) error {
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	return replaceFile(dest, rc, mode)
}

// replaceFile writes r to a temporary file next to dest and renames it over
// dest, so a running process keeps its old copy.
func replaceFile(dest string, r io.Reader, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "tmp-xray-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func (a *Agent) downloadAsset(ctx context.Context, f geoFile) error {
	if !strings.HasPrefix(f.URL, "http://") && !strings.HasPrefix(f.URL, "https://") {
		return fmt.Errorf("unsupported url %q", f.URL)
	}
	if err := os.MkdirAll(a.cfg.XrayAssetsPath, 0o755); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(a.downloadTo(ctx, f.URL, pw))
	}()
	err := replaceFile(filepath.Join(a.cfg.XrayAssetsPath, f.Name), pr, 0o644)
	pr.Close()
	return err
}

func (a *Agent) downloadTo(ctx context.Context, url string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d while downloading %s", resp.StatusCode, url)
	}

	_, err = io.Copy(w, resp.Body)
	return err
}

func resolveArch() (string, error) {
	switch runtime.GOARCH {
	case "amd64":
		return "64", nil
	case "386":
		return "32", nil
	case "arm64":
		return "arm64-v8a", nil
	case "arm":
		return "arm32-v7a", nil
	default:
		return "", fmt.Errorf("unsupported architecture: %s", runtime.GOARCH)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
