package runner

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/shipsec/shipsec/internal/artifacts"
	"github.com/shipsec/shipsec/internal/component"
	"github.com/shipsec/shipsec/internal/fault"
)

const (
	workDir          = "/workspace"
	inputFileName    = "input.json"
	defaultRunWindow = 10 * time.Minute
)

// Container executes component images via the Docker API. All file exchange
// happens through a per-invocation named volume and the copy API, never host
// bind mounts, so the runner works identically inside docker-in-docker where
// host paths are meaningless.
type Container struct {
	cli      *client.Client
	tenantID string
}

func NewContainer(tenantID string) (*Container, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Container{cli: cli, tenantID: tenantID}, nil
}

func (r *Container) Kind() component.RunnerKind { return component.RunnerContainer }

func (r *Container) Invoke(ctx context.Context, inv *Invocation, cap *Capability) (map[string]any, error) {
	cfg := inv.Def.Container
	if cfg == nil {
		return nil, fault.New(fault.KindConfiguration, "component %s has no container config", inv.Def.ID)
	}
	window := defaultRunWindow
	if cfg.TimeoutSeconds > 0 {
		window = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	volName := fmt.Sprintf("tenant-%s-run-%s-%d", r.tenantID, inv.RunID, time.Now().UnixNano())
	if _, err := r.cli.VolumeCreate(ctx, volume.CreateOptions{Name: volName}); err != nil {
		return nil, fault.Wrap(fault.KindTransient, fmt.Errorf("create volume: %w", err))
	}
	// Cleanup must not inherit the invocation deadline: a timed-out run still
	// has to release its volume.
	defer func() {
		cleanup, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = r.cli.VolumeRemove(cleanup, volName, true)
	}()

	if err := r.ensureImage(ctx, cfg.Image); err != nil {
		return nil, err
	}

	payload, err := encodeInputs(inv)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}
	env, err := r.buildEnv(ctx, cap, cfg, payload)
	if err != nil {
		return nil, err
	}

	hostCfg := &container.HostConfig{
		Binds: []string{volumeBind(volName, cfg.ReadOnly)},
	}
	created, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:      cfg.Image,
		Entrypoint: strslice.StrSlice(cfg.Entrypoint),
		Cmd:        strslice.StrSlice(cfg.Command),
		Env:        env,
		WorkingDir: workDir,
	}, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, fmt.Errorf("create container: %w", err))
	}
	id := created.ID
	defer func() {
		cleanup, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = r.cli.ContainerRemove(cleanup, id, container.RemoveOptions{Force: true})
	}()

	// A read-only volume cannot receive the copy; those images take their
	// inputs from the env payload instead.
	if !cfg.ReadOnly {
		if err := r.copyInput(ctx, id, payload); err != nil {
			return nil, err
		}
	}
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fault.Wrap(fault.KindTransient, fmt.Errorf("start container: %w", err))
	}
	cap.Progress("container.started", map[string]any{"image": cfg.Image})

	exitCode, err := r.wait(ctx, id)
	if err != nil {
		return nil, err
	}
	stdout, stderr, err := r.logs(id)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err)
	}
	if f := fault.ClassifyContainerExit(exitCode, stderr); f != nil {
		return nil, f
	}

	outputs, err := parseEnvelope(stdout, cfg.UseResultEnvelope)
	if err != nil {
		return nil, err
	}
	if len(cfg.OutputGlobs) > 0 {
		refs, err := r.collectArtifacts(ctx, id, cfg.OutputGlobs, cap)
		if err != nil {
			return nil, err
		}
		outputs["artifacts"] = refs
	}
	return outputs, nil
}

func (r *Container) ensureImage(ctx context.Context, ref string) error {
	rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		if strings.Contains(err.Error(), "unauthorized") || strings.Contains(err.Error(), "denied") {
			return fault.Wrap(fault.KindAuthentication, fmt.Errorf("pull %s: %w", ref, err))
		}
		// The image may exist locally even when the pull fails (air-gapped
		// registries). Let create decide.
		if _, inspectErr := r.cli.ImageInspect(ctx, ref); inspectErr == nil {
			return nil
		}
		return fault.Wrap(fault.KindTransient, fmt.Errorf("pull %s: %w", ref, err))
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (r *Container) buildEnv(ctx context.Context, cap *Capability, cfg *component.ContainerConfig, payload []byte) ([]string, error) {
	env := []string{"SHIPSEC_INPUT=" + string(payload)}
	for k, v := range cfg.Env {
		expanded, err := cap.ExpandSecrets(ctx, v)
		if err != nil {
			return nil, fault.Wrap(fault.KindConfiguration, err)
		}
		env = append(env, k+"="+expanded)
	}
	return env, nil
}

// volumeBind mounts the invocation volume at the work dir, read-only when the
// component declares it never writes.
func volumeBind(volName string, readOnly bool) string {
	bind := volName + ":" + workDir
	if readOnly {
		bind += ":ro"
	}
	return bind
}

// copyInput lands input.json in the volume before the container starts.
func (r *Container) copyInput(ctx context.Context, id string, payload []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: inputFileName, Mode: 0o644, Size: int64(len(payload)), ModTime: time.Now()}
	if err := tw.WriteHeader(hdr); err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}
	if _, err := tw.Write(payload); err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}
	if err := tw.Close(); err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}
	if err := r.cli.CopyToContainer(ctx, id, workDir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fault.Wrap(fault.KindTransient, fmt.Errorf("copy input: %w", err))
	}
	return nil
}

func (r *Container) wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return 0, fault.New(fault.KindContainer, "wait: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return 0, fault.New(fault.KindTimedOut, "container exceeded its time window")
		}
		return 0, fault.Wrap(fault.KindTransient, err)
	}
}

func (r *Container) logs(id string) (stdout, stderr string, err error) {
	// Logs survive the run deadline; use a fresh context.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rc, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()
	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, rc); err != nil {
		return "", "", fmt.Errorf("demux logs: %w", err)
	}
	return outBuf.String(), errBuf.String(), nil
}

// collectArtifacts pulls the work dir out of the stopped container and saves
// every regular file matching an output glob.
func (r *Container) collectArtifacts(ctx context.Context, id string, globs []string, cap *Capability) ([]any, error) {
	rc, _, err := r.cli.CopyFromContainer(ctx, id, workDir)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, fmt.Errorf("copy outputs: %w", err))
	}
	defer rc.Close()

	var refs []any
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fault.Wrap(fault.KindTransient, fmt.Errorf("read outputs: %w", err))
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		// Strip the leading "workspace/" the daemon adds.
		rel := hdr.Name
		if i := strings.IndexByte(rel, '/'); i >= 0 {
			rel = rel[i+1:]
		}
		if rel == "" || rel == inputFileName {
			continue
		}
		if !matchAny(globs, rel) {
			continue
		}
		ref, err := cap.SaveArtifact(ctx, path.Base(rel), "", artifacts.ScopeRun, tr)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func matchAny(globs []string, rel string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, rel); err == nil && ok {
			return true
		}
	}
	return false
}
