// Package hub downloads model exports from a Hugging Face repository into a
// local model directory.
package hub

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-resty/resty/v2"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/hannes/policylens/models"
)

const (
	DefaultEndpoint = "https://huggingface.co"
	DefaultRepo     = "mianyangacd/privacy-policy-spanbert"
	DefaultRevision = "main"
	// DefaultONNXFile is where optimum exports place the graph inside a subfolder.
	DefaultONNXFile = "onnx/model.onnx"

	lockFileName = ".download.lock"
)

// Options configures a Client.
type Options struct {
	Endpoint string
	Repo     string
	Revision string
	Token    string
	// ONNXFile is the path of the ONNX graph relative to each subfolder.
	ONNXFile string
	// Directory is the local model root.
	Directory   string
	Timeout     time.Duration
	LockTimeout time.Duration
}

// Client pulls model files with resume-safe renames and a directory lock.
type Client struct {
	http   *resty.Client
	opts   Options
	logger *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Client {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Repo == "" {
		opts.Repo = DefaultRepo
	}
	if opts.Revision == "" {
		opts.Revision = DefaultRevision
	}
	if opts.ONNXFile == "" {
		opts.ONNXFile = DefaultONNXFile
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Minute
	}

	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		SetHeader("User-Agent", "policylens/1.0")
	if opts.Token != "" {
		client.SetAuthToken(opts.Token)
	}

	return &Client{http: client, opts: opts, logger: logger.Named("hub")}
}

// FileURL returns the resolve URL of a file inside a repository subfolder.
func (c *Client) FileURL(subfolder, file string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", c.opts.Endpoint, c.opts.Repo, c.opts.Revision, path.Join(subfolder, file))
}

// remoteName maps a local file name to its path in the repository.
func (c *Client) remoteName(local string) string {
	if local == models.ModelFileName {
		return c.opts.ONNXFile
	}
	return local
}

// Pull makes sure every spec's required files exist below the model
// directory. Files already present are kept.
func (c *Client) Pull(ctx context.Context, specs []models.ModelSpec) error {
	if err := os.MkdirAll(c.opts.Directory, 0750); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	lock := flock.New(filepath.Join(c.opts.Directory, lockFileName))
	lockCtx, cancel := context.WithTimeout(ctx, c.opts.LockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to lock model directory: %w", err)
	}
	if !locked {
		return fmt.Errorf("model directory is locked by another process")
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			c.logger.Warn("failed to release download lock", zap.Error(err))
		}
	}()

	var total int64
	for _, spec := range specs {
		dir := filepath.Join(c.opts.Directory, spec.Subfolder)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		for _, name := range spec.RequiredFiles() {
			dest := filepath.Join(dir, name)
			if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
				continue
			}
			n, err := c.download(ctx, c.FileURL(spec.Subfolder, c.remoteName(name)), dest)
			if err != nil {
				return fmt.Errorf("model %s: %w", spec.Role, err)
			}
			total += n
			c.logger.Info("downloaded model file",
				zap.String("model", string(spec.Role)),
				zap.String("file", name),
				zap.String("size", humanize.Bytes(uint64(n))))
		}
	}

	c.logger.Info("models ready",
		zap.String("directory", c.opts.Directory),
		zap.String("downloaded", humanize.Bytes(uint64(total))))
	return nil
}

// download fetches url into a temp file next to dest and renames it into place.
func (c *Client) download(ctx context.Context, url, dest string) (int64, error) {
	tmp := dest + ".part"
	resp, err := c.http.R().
		SetContext(ctx).
		SetOutput(tmp).
		Get(url)
	if err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("failed to download %s: %w", url, err)
	}
	if resp.IsError() {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("failed to download %s: status %d", url, resp.StatusCode())
	}

	info, err := os.Stat(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to stat download: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("failed to move download into place: %w", err)
	}
	return info.Size(), nil
}

// Missing reports which required files are absent locally.
func Missing(directory string, specs []models.ModelSpec) []string {
	var missing []string
	for _, spec := range specs {
		for _, name := range spec.RequiredFiles() {
			rel := filepath.Join(spec.Subfolder, name)
			if info, err := os.Stat(filepath.Join(directory, rel)); err != nil || info.Size() == 0 {
				missing = append(missing, rel)
			}
		}
	}
	return missing
}
