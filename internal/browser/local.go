package browser

import (
	"context"
	"strings"

	"github.com/chromedp/chromedp"
	"github.com/shehryarbajwa/browserbot/internal/config"
	"go.uber.org/zap"
)

// LocalLauncher spawns a browser binary on this host.
type LocalLauncher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

// NewLocalLauncher creates a launcher for locally installed Chrome or Chromium.
func NewLocalLauncher(cfg config.BrowserConfig, logger *zap.Logger) *LocalLauncher {
	return &LocalLauncher{cfg: cfg, logger: logger.Named("local-launcher")}
}

// Launch starts a browser persisting its state in opts.UserDataDir.
func (l *LocalLauncher) Launch(ctx context.Context, opts LaunchOptions) (Process, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.UserDataDir(opts.UserDataDir),
		chromedp.WindowSize(l.cfg.ViewportWidth, l.cfg.ViewportHeight),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-features", "IsolateOrigins,site-per-process"),
	)
	if !l.cfg.Headless {
		allocOpts = append(allocOpts, chromedp.Flag("headless", false))
	}
	if l.cfg.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	allocOpts = append(allocOpts, extraFlags(l.cfg.Args)...)

	// The allocator outlives the request that triggered the launch.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)

	logger := l.logger.With(zap.String("profile", opts.ProfileID))
	proc, err := startChrome(ctx, allocCtx, allocCancel, opts.DownloadDir, settingsFrom(l.cfg), l.cfg.StartupTimeout, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Browser launched", zap.String("user_data_dir", opts.UserDataDir))
	return proc, nil
}

func settingsFrom(cfg config.BrowserConfig) pageSettings {
	return pageSettings{
		width:     int64(cfg.ViewportWidth),
		height:    int64(cfg.ViewportHeight),
		userAgent: cfg.UserAgent,
	}
}

// extraFlags turns "name" and "name=value" entries into allocator flags.
func extraFlags(args []string) []chromedp.ExecAllocatorOption {
	var opts []chromedp.ExecAllocatorOption
	for _, arg := range args {
		arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
		if arg == "" {
			continue
		}
		if name, value, ok := strings.Cut(arg, "="); ok {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(arg, true))
		}
	}
	return opts
}
