package apidocker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types"

	"github.com/flotilladev/flotilla/internal/flotilla/runtime"
)

// injectedDockerfile is the in-context name used when the dockerfile comes
// from inline contents or from a host path outside the context.
const injectedDockerfile = "Dockerfile.flotilla"

func (t *Transport) Build(ctx context.Context, spec runtime.BuildSpec) ([]byte, error) {
	if len(spec.ExtraArgs) > 0 {
		return nil, &runtime.BuildError{Ref: spec.Tag, Err: errors.New("api transport does not accept raw cli arguments")}
	}

	dockerfile := "Dockerfile"
	var inject []byte
	switch {
	case spec.DockerfileContents != "":
		dockerfile = injectedDockerfile
		inject = []byte(spec.DockerfileContents)
	case spec.DockerfilePath != "":
		// the engine only sees the context, so the dockerfile rides along in it
		b, err := os.ReadFile(spec.DockerfilePath)
		if err != nil {
			return nil, &runtime.BuildError{Ref: spec.Tag, Err: fmt.Errorf("read dockerfile: %w", err)}
		}
		dockerfile = injectedDockerfile
		inject = b
	}

	buildCtx, err := tarContext(spec.ContextDir, dockerfile, inject)
	if err != nil {
		return nil, &runtime.BuildError{Ref: spec.Tag, Err: err}
	}

	buildArgs := make(map[string]*string, len(spec.BuildArgs))
	for k, v := range spec.BuildArgs {
		v := v
		buildArgs[k] = &v
	}

	resp, err := t.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{spec.Tag},
		Dockerfile: dockerfile,
		BuildArgs:  buildArgs,
		Remove:     true,
		Labels:     map[string]string{ManagedLabel: "true"},
	})
	if err != nil {
		return nil, &runtime.BuildError{Ref: spec.Tag, Err: err}
	}
	defer resp.Body.Close()
	return drainBuildStream(spec.Tag, resp.Body)
}

// drainBuildStream collects the engine's JSON build progress into a plain
// log, surfacing the embedded error entry if the build failed.
func drainBuildStream(tag string, body io.Reader) ([]byte, error) {
	var log bytes.Buffer
	dec := json.NewDecoder(body)
	for {
		var msg struct {
			Stream      string `json:"stream"`
			Status      string `json:"status"`
			Error       string `json:"error"`
			ErrorDetail struct {
				Message string `json:"message"`
			} `json:"errorDetail"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return log.Bytes(), &runtime.BuildError{Ref: tag, Log: log.Bytes(), Err: fmt.Errorf("decode build stream: %w", err)}
		}
		if msg.Stream != "" {
			log.WriteString(msg.Stream)
		}
		if msg.Status != "" {
			log.WriteString(msg.Status)
			log.WriteByte('\n')
		}
		if msg.Error != "" {
			detail := msg.ErrorDetail.Message
			if detail == "" {
				detail = msg.Error
			}
			return log.Bytes(), &runtime.BuildError{Ref: tag, Log: log.Bytes(), Err: errors.New(detail)}
		}
	}
	return log.Bytes(), nil
}

// tarContext archives dir as a build context, appending an injected
// dockerfile entry when inject is non-nil.
func tarContext(dir, dockerfileName string, inject []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	if dir != "" {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			link := ""
			if info.Mode()&fs.ModeSymlink != 0 {
				if link, err = os.Readlink(path); err != nil {
					return err
				}
			}
			hdr, err := tar.FileInfoHeader(info, link)
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel)
			if d.IsDir() {
				hdr.Name += "/"
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("archive build context %s: %w", dir, err)
		}
	}

	if inject != nil {
		hdr := &tar.Header{
			Name: dockerfileName,
			Mode: 0o644,
			Size: int64(len(inject)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("archive dockerfile: %w", err)
		}
		if _, err := tw.Write(inject); err != nil {
			return nil, fmt.Errorf("archive dockerfile: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finalize build context: %w", err)
	}
	return &buf, nil
}
