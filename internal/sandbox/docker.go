package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/agentica/agentica-server/internal/common/config"
	"github.com/agentica/agentica-server/internal/common/logger"
)

// quitLine is the shutdown sentinel written to the guest's stdin.
var quitLine = []byte("QUIT\n")

const (
	stopTimeout   = 10 * time.Second
	maxFrameBytes = 4 * 1024 * 1024
)

// DockerGuest runs the guest interpreter in an isolated container, exchanging
// newline-delimited frames over attached stdio.
type DockerGuest struct {
	cfg    config.SandboxConfig
	uid    string
	bridge *Bridge
	logger *logger.Logger

	cli         *client.Client
	containerID string

	stdin  io.WriteCloser
	stdout io.Reader
	conn   net.Conn
	logs   io.ReadCloser

	cancel    context.CancelFunc
	pumpWG    sync.WaitGroup
	closeOnce sync.Once
}

// NewDockerGuest creates the docker client and the guest container.
func NewDockerGuest(ctx context.Context, cfg config.SandboxConfig, uid string, bridge *Bridge, log *logger.Logger) (*DockerGuest, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	g := &DockerGuest{
		cfg:    cfg,
		uid:    uid,
		bridge: bridge,
		cli:    cli,
		logger: log.WithFields(zap.String("guest", "docker")),
	}
	if err := g.createContainer(ctx); err != nil {
		cli.Close()
		return nil, err
	}
	return g, nil
}

func (g *DockerGuest) createContainer(ctx context.Context) error {
	if err := g.pullImage(ctx); err != nil {
		return err
	}

	containerCfg := &container.Config{
		Image:        g.cfg.Image,
		Labels:       map[string]string{"agentica.uid": g.uid},
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		// No TTY: stdio carries framed records, not terminal bytes.
		Tty: false,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(g.cfg.DefaultNetwork),
		AutoRemove:  false,
		Resources: container.Resources{
			Memory:   int64(g.cfg.MemoryLimitMB) * 1024 * 1024,
			CPUQuota: g.cfg.CPUQuota,
		},
	}

	name := "agentica-guest-" + g.uid
	resp, err := g.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("failed to create guest container %s: %w", name, err)
	}
	g.containerID = resp.ID
	g.logger.Info("guest container created",
		zap.String("container_id", resp.ID),
		zap.String("image", g.cfg.Image))
	return nil
}

func (g *DockerGuest) pullImage(ctx context.Context) error {
	reader, err := g.cli.ImagePull(ctx, g.cfg.Image, image.PullOptions{})
	if err != nil {
		// The image may already be present locally.
		g.logger.Debug("image pull failed, trying local image",
			zap.String("image", g.cfg.Image), zap.Error(err))
		return nil
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// Start attaches stdio, starts the container, and launches the pump loops.
func (g *DockerGuest) Start(ctx context.Context) error {
	attach, err := g.cli.ContainerAttach(ctx, g.containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return fmt.Errorf("failed to attach to guest container: %w", err)
	}
	g.conn = attach.Conn

	stdinReader, stdinWriter := io.Pipe()
	go func() {
		_, _ = io.Copy(attach.Conn, stdinReader)
	}()
	g.stdin = stdinWriter

	stdoutReader, stdoutWriter := io.Pipe()
	go func() {
		defer stdoutWriter.Close()
		g.demultiplexStream(attach.Reader, stdoutWriter)
	}()
	g.stdout = stdoutReader

	if err := g.cli.ContainerStart(ctx, g.containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start guest container: %w", err)
	}

	if logs, err := g.cli.ContainerLogs(ctx, g.containerID, container.LogsOptions{
		ShowStderr: true,
		Follow:     true,
		Tail:       "0",
	}); err == nil {
		g.logs = logs
		go g.drainLogs(logs)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.pumpWG.Add(2)
	go g.writePump(pumpCtx)
	go g.readPump()

	g.logger.Info("guest container started", zap.String("container_id", g.containerID))
	return nil
}

// writePump moves inbox frames to the guest's stdin, one JSON line each.
// The QUIT sentinel closes stdin and ends the loop.
func (g *DockerGuest) writePump(ctx context.Context) {
	defer g.pumpWG.Done()
	for {
		payload, ok := g.bridge.Next(ctx)
		if !ok {
			_, _ = g.stdin.Write(quitLine)
			_ = g.stdin.Close()
			return
		}
		line := append(bytes.TrimRight(payload, "\n"), '\n')
		if _, err := g.stdin.Write(line); err != nil {
			g.logger.Warn("guest stdin write failed", zap.Error(err))
			return
		}
	}
}

// readPump moves the guest's stdout lines onto the outbox.
func (g *DockerGuest) readPump() {
	defer g.pumpWG.Done()
	scanner := bufio.NewScanner(g.stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		payload := make([]byte, len(line))
		copy(payload, line)
		g.bridge.Emit(payload)
	}
	if err := scanner.Err(); err != nil {
		g.logger.Debug("guest stdout ended", zap.Error(err))
	}
}

func (g *DockerGuest) drainLogs(logs io.ReadCloser) {
	scanner := bufio.NewScanner(logs)
	for scanner.Scan() {
		g.logger.Debug("guest stderr", zap.String("line", scanner.Text()))
	}
}

// demultiplexStream parses docker's 8-byte stream headers and writes stdout
// and stderr payloads to the writer.
func (g *DockerGuest) demultiplexStream(reader io.Reader, writer io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err != io.EOF {
				g.logger.Debug("demultiplex stream ended", zap.Error(err))
			}
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			g.logger.Debug("failed to read frame data", zap.Error(err))
			return
		}
		if streamType == 1 || streamType == 2 {
			_, _ = writer.Write(data)
		}
	}
}

// Close stops the pumps, the log stream, and the container, then removes it.
func (g *DockerGuest) Close(ctx context.Context) error {
	var err error
	g.closeOnce.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
		if g.logs != nil {
			_ = g.logs.Close()
		}
		if g.conn != nil {
			_ = g.conn.Close()
		}
		g.pumpWG.Wait()

		timeoutSeconds := int(stopTimeout.Seconds())
		if stopErr := g.cli.ContainerStop(ctx, g.containerID, container.StopOptions{
			Timeout: &timeoutSeconds,
		}); stopErr != nil {
			g.logger.Warn("failed to stop guest container",
				zap.String("container_id", g.containerID), zap.Error(stopErr))
		}
		if rmErr := g.cli.ContainerRemove(ctx, g.containerID, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		}); rmErr != nil {
			err = fmt.Errorf("failed to remove guest container %s: %w", g.containerID, rmErr)
		}
		_ = g.cli.Close()
		g.logger.Info("guest container removed", zap.String("container_id", g.containerID))
	})
	return err
}
