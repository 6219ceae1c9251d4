package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/shehryarbajwa/browserbot/internal/config"
	"go.uber.org/zap"
)

const (
	devtoolsPort       = nat.Port("3000/tcp")
	containerDataDir   = "/data"
	containerDownloads = "/downloads"
)

// DockerLauncher runs each browser in a browserless/chrome container
// with the profile directories bind-mounted into it.
type DockerLauncher struct {
	client *client.Client
	cfg    config.BrowserConfig
	logger *zap.Logger

	// imageReady is set once the image is known to be present. Failures are
	// not remembered so the next launch asks the daemon again.
	imageMu    sync.Mutex
	imageReady bool
}

// NewDockerLauncher connects to the Docker daemon from the environment.
func NewDockerLauncher(cfg config.BrowserConfig, logger *zap.Logger) (*DockerLauncher, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Docker.Host != "" {
		opts = append(opts, client.WithHost(cfg.Docker.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerLauncher{
		client: cli,
		cfg:    cfg,
		logger: logger.Named("docker-launcher"),
	}, nil
}

// Launch starts a container for the profile and connects to its browser.
func (d *DockerLauncher) Launch(ctx context.Context, opts LaunchOptions) (Process, error) {
	if d.cfg.Docker.PullImage {
		if err := d.ensureImageOnce(ctx); err != nil {
			return nil, err
		}
	}

	containerConfig := &container.Config{
		Image: d.cfg.Docker.Image,
		Labels: map[string]string{
			"profile-id": opts.ProfileID,
			"managed-by": "browserbot",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",        // Disable connection timeout
			"MAX_CONCURRENT_SESSIONS=1",    // One browser per profile container
			"KEEP_ALIVE=true",              // Keep connections alive
			"EXIT_ON_HEALTH_FAILURE=false", // Don't exit on health check failures
		},
		ExposedPorts: nat.PortSet{
			devtoolsPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			devtoolsPort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0",
				},
			},
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: opts.UserDataDir, Target: containerDataDir},
			{Type: mount.TypeBind, Source: opts.DownloadDir, Target: containerDownloads},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil,
		fmt.Sprintf("browserbot-%s-%d", opts.ProfileID, time.Now().Unix()))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	containerID := resp.ID
	cleanup := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := d.StopBrowser(stopCtx, containerID); err != nil {
			d.logger.Warn("Failed to clean up container", zap.String("container", containerID), zap.Error(err))
		}
	}

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[devtoolsPort]
	if len(bindings) == 0 {
		cleanup()
		return nil, fmt.Errorf("container %s exposes no devtools port", containerID)
	}
	port := bindings[0].HostPort

	if err := d.waitForBrowserReady(ctx, port); err != nil {
		cleanup()
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	// browserless reads launch flags from the query string.
	q := url.Values{}
	q.Set("--user-data-dir", containerDataDir)
	q.Set("--window-size", fmt.Sprintf("%d,%d", d.cfg.ViewportWidth, d.cfg.ViewportHeight))
	wsURL := fmt.Sprintf("ws://127.0.0.1:%s?%s", port, q.Encode())

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), wsURL, chromedp.NoModifyURL)

	logger := d.logger.With(zap.String("profile", opts.ProfileID), zap.String("container", containerID[:12]))
	proc, err := startChrome(ctx, allocCtx, allocCancel, containerDownloads, settingsFrom(d.cfg), d.cfg.StartupTimeout, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	proc.onClose = func(ctx context.Context) error {
		return d.StopBrowser(ctx, containerID)
	}

	logger.Info("Browser container launched", zap.String("port", port))
	return proc, nil
}

// StopBrowser stops and removes a container.
func (d *DockerLauncher) StopBrowser(ctx context.Context, containerID string) error {
	timeout := d.cfg.Docker.StopTimeout
	if err := d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// EnsureImage pulls the browser image unless it is already present.
func (d *DockerLauncher) EnsureImage(ctx context.Context) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == d.cfg.Docker.Image {
				return nil
			}
		}
	}

	d.logger.Info("Pulling browser image", zap.String("image", d.cfg.Docker.Image))
	reader, err := d.client.ImagePull(ctx, d.cfg.Docker.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *DockerLauncher) ensureImageOnce(ctx context.Context) error {
	d.imageMu.Lock()
	defer d.imageMu.Unlock()
	if d.imageReady {
		return nil
	}
	if err := d.EnsureImage(ctx); err != nil {
		return err
	}
	d.imageReady = true
	return nil
}

// Close releases the Docker client.
func (d *DockerLauncher) Close() error {
	return d.client.Close()
}

// waitForBrowserReady polls the /json/version endpoint until the browser answers.
func (d *DockerLauncher) waitForBrowserReady(ctx context.Context, port string) error {
	endpoint := fmt.Sprintf("http://127.0.0.1:%s/json/version", port)
	deadline := time.Now().Add(d.cfg.StartupTimeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return fmt.Errorf("browser did not answer on port %s within %s", port, d.cfg.StartupTimeout)
}
