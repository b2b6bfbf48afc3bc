package remote

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	worker "github.com/lumenai/lumen-worker/internal"
)

// Tunnel states.
const (
	TunnelStopped  = "STOPPED"
	TunnelStarting = "STARTING"
	TunnelRunning  = "RUNNING"
	TunnelStopping = "STOPPING"
)

const (
	downloadTimeout = 120 * time.Second
	startTimeout    = 60 * time.Second
	stopGrace       = 5 * time.Second
)

// urlPattern matches the public URL cloudflared prints on stdout.
var urlPattern = regexp.MustCompile(`https://[a-zA-Z0-9-]+(\.[a-zA-Z0-9-]+)*\.(trycloudflare\.com|cloudflare\.dev)`)

// downloadBase is the release location for the helper binary.
const downloadBase = "https://github.com/cloudflare/cloudflared/releases/latest/download"

// Tunnel manages the cloudflared child process and its binary install.
type Tunnel struct {
	binDir       string
	localPort    func() int
	downloadBase string
	http         *http.Client

	installPct atomic.Int32

	mu        sync.Mutex
	state     string
	publicURL string
	lastError string
	cmd       *exec.Cmd
	done      chan struct{}
}

// NewTunnel returns a Tunnel that installs its binary under binDir and
// exposes the local HTTP port returned by localPort.
func NewTunnel(binDir string, localPort func() int) *Tunnel {
	return &Tunnel{
		binDir:       binDir,
		localPort:    localPort,
		downloadBase: downloadBase,
		http:         &http.Client{Timeout: downloadTimeout},
		state:        TunnelStopped,
	}
}

// BinaryName is the platform-specific helper binary filename.
func BinaryName() string {
	if runtime.GOOS == "windows" {
		return "cloudflared.exe"
	}
	return "cloudflared"
}

// BinaryPath is where the helper binary lives once installed.
func (t *Tunnel) BinaryPath() string {
	return filepath.Join(t.binDir, BinaryName())
}

// Installed reports whether the helper binary is present. A copy on PATH
// also counts.
func (t *Tunnel) Installed() bool {
	if _, err := os.Stat(t.BinaryPath()); err == nil {
		return true
	}
	_, err := exec.LookPath(BinaryName())
	return err == nil
}

// binary resolves the helper binary to run, preferring the managed copy.
func (t *Tunnel) binary() string {
	if _, err := os.Stat(t.BinaryPath()); err == nil {
		return t.BinaryPath()
	}
	return BinaryName()
}

func releaseAsset() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return "cloudflared-linux-" + runtime.GOARCH, nil
	case "darwin":
		return "cloudflared-darwin-" + runtime.GOARCH + ".tgz", nil
	case "windows":
		return "cloudflared-windows-" + runtime.GOARCH + ".exe", nil
	default:
		return "", fmt.Errorf("no cloudflared build for %s/%s", runtime.GOOS, runtime.GOARCH)
	}
}

// InstallProgress returns the last reported install percentage.
func (t *Tunnel) InstallProgress() int { return int(t.installPct.Load()) }

// Install downloads the helper binary, verifying an adjacent .sha256 when
// the release publishes one. Transient failures retry with backoff inside
// the overall download timeout.
func (t *Tunnel) Install(ctx context.Context) error {
	if t.Installed() {
		t.installPct.Store(100)
		return nil
	}
	asset, err := releaseAsset()
	if err != nil {
		return err
	}

	t.installPct.Store(0)
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err = backoff.Retry(func() error {
		return t.download(ctx, asset)
	}, policy)
	if err != nil {
		t.installPct.Store(0)
		return fmt.Errorf("install cloudflared: %w", err)
	}
	t.installPct.Store(100)
	return nil
}

func (t *Tunnel) download(ctx context.Context, asset string) error {
	url := t.downloadBase + "/" + asset

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download cloudflared: HTTP %d", resp.StatusCode)
	}

	t.installPct.Store(10)
	if err := os.MkdirAll(t.binDir, 0o755); err != nil {
		return backoff.Permanent(err)
	}
	tmp, err := os.CreateTemp(t.binDir, ".cloudflared-*")
	if err != nil {
		return backoff.Permanent(err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	if err := t.copyWithProgress(tmp, io.TeeReader(resp.Body, hasher), resp.ContentLength); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := t.verifyChecksum(ctx, url, hex.EncodeToString(hasher.Sum(nil))); err != nil {
		return backoff.Permanent(err)
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		return backoff.Permanent(err)
	}
	if err := os.Rename(tmp.Name(), t.BinaryPath()); err != nil {
		return backoff.Permanent(err)
	}
	return nil
}

// copyWithProgress streams body to dst, advancing the progress figure from
// 10 to 90 as bytes arrive.
func (t *Tunnel) copyWithProgress(dst io.Writer, body io.Reader, total int64) error {
	buf := make([]byte, 128*1024)
	var written int64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			written += int64(n)
			if total > 0 {
				t.installPct.Store(int32(10 + written*80/total))
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// verifyChecksum fetches url+".sha256" and compares. A missing sidecar is
// tolerated; a mismatch aborts the install.
func (t *Tunnel) verifyChecksum(ctx context.Context, url, got string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+".sha256", nil)
	if err != nil {
		return nil
	}
	resp, err := t.http.Do(req)
	if err != nil {
		slog.Warn("checksum fetch failed, skipping verification", "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil
	}
	want := strings.Fields(strings.TrimSpace(string(body)))
	if len(want) == 0 {
		return nil
	}
	if !strings.EqualFold(want[0], got) {
		return fmt.Errorf("cloudflared checksum mismatch: want %s, got %s", want[0], got)
	}
	return nil
}

// Start launches the tunnel. Quick tunnels block until cloudflared prints
// its public URL; named tunnels run under the given identifier.
func (t *Tunnel) Start(ctx context.Context, named string) (string, error) {
	t.mu.Lock()
	if t.state != TunnelStopped {
		state := t.state
		t.mu.Unlock()
		return "", fmt.Errorf("tunnel is %s", strings.ToLower(state))
	}
	t.state = TunnelStarting
	t.lastError = ""
	t.publicURL = ""
	t.mu.Unlock()

	args := []string{"tunnel", "--url", fmt.Sprintf("http://127.0.0.1:%d", t.localPort())}
	if named != "" {
		args = []string{"tunnel", "run", named}
	}
	cmd := exec.Command(t.binary(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.setStopped(err.Error())
		return "", fmt.Errorf("start tunnel: %w", err)
	}
	cmd.Stderr = cmd.Stdout // cloudflared logs the URL on stderr on some versions
	if err := cmd.Start(); err != nil {
		t.setStopped(err.Error())
		return "", fmt.Errorf("start tunnel: %w", err)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.cmd = cmd
	t.done = done
	t.mu.Unlock()

	urlCh := make(chan string, 1)
	go t.scan(stdout, urlCh)
	go func() {
		err := cmd.Wait()
		t.mu.Lock()
		if t.cmd == cmd && t.state != TunnelStopping {
			t.state = TunnelStopped
			if err != nil {
				t.lastError = err.Error()
			}
			t.cmd = nil
		}
		t.mu.Unlock()
		close(done)
	}()

	if named != "" {
		// Named tunnels resolve through the user's Cloudflare DNS; there is
		// no URL to scan for.
		t.mu.Lock()
		t.state = TunnelRunning
		t.mu.Unlock()
		return "", nil
	}

	select {
	case url := <-urlCh:
		t.mu.Lock()
		t.publicURL = url
		t.state = TunnelRunning
		t.mu.Unlock()
		slog.Info("tunnel running", "url", url)
		return url, nil
	case <-done:
		t.mu.Lock()
		cause := t.lastError
		t.mu.Unlock()
		return "", fmt.Errorf("cloudflared exited before publishing a URL: %s", cause)
	case <-time.After(startTimeout):
		t.Stop()
		return "", fmt.Errorf("tunnel did not publish a URL within %s", startTimeout)
	case <-ctx.Done():
		t.Stop()
		return "", ctx.Err()
	}
}

func (t *Tunnel) scan(r io.Reader, urlCh chan<- string) {
	sc := bufio.NewScanner(r)
	sent := false
	for sc.Scan() {
		line := sc.Text()
		if !sent {
			if url := urlPattern.FindString(line); url != "" {
				urlCh <- url
				sent = true
			}
		}
	}
}

// Stop terminates the child gracefully, killing it after 5 seconds.
func (t *Tunnel) Stop() {
	t.mu.Lock()
	cmd := t.cmd
	done := t.done
	if cmd == nil {
		t.state = TunnelStopped
		t.publicURL = ""
		t.mu.Unlock()
		return
	}
	t.state = TunnelStopping
	t.mu.Unlock()

	interrupt(cmd)
	select {
	case <-done:
	case <-time.After(stopGrace):
		cmd.Process.Kill() //nolint:errcheck
		<-done
	}

	t.mu.Lock()
	t.cmd = nil
	t.done = nil
	t.state = TunnelStopped
	t.publicURL = ""
	t.mu.Unlock()
	slog.Info("tunnel stopped")
}

func interrupt(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		cmd.Process.Kill() //nolint:errcheck
		return
	}
	cmd.Process.Signal(os.Interrupt) //nolint:errcheck
}

// PublicURL returns the tunnel's published URL, or "".
func (t *Tunnel) PublicURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.publicURL
}

// Status is the externally visible tunnel snapshot.
type Status struct {
	State     string `json:"state"`
	URL       string `json:"url,omitempty"`
	Installed bool   `json:"installed"`
	LastError string `json:"last_error,omitempty"`
}

// GetStatus returns the current snapshot.
func (t *Tunnel) GetStatus() Status {
	installed := t.Installed()
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		State:     t.state,
		URL:       t.publicURL,
		Installed: installed,
		LastError: t.lastError,
	}
}

func (t *Tunnel) setStopped(cause string) {
	t.mu.Lock()
	t.state = TunnelStopped
	t.lastError = cause
	t.mu.Unlock()
}

// QRPayload is what the host renders as a pairing QR code.
func QRPayload(url string) map[string]string {
	return map[string]string{
		"url":     url,
		"app":     worker.AppName,
		"version": worker.AppVersion,
	}
}

// QRPayloadWithToken also embeds a freshly issued token.
func QRPayloadWithToken(url, token string) map[string]string {
	p := QRPayload(url)
	p["token"] = token
	return p
}
