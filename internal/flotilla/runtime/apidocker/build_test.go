package apidocker

import (
	"archive/tar"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flotilladev/flotilla/internal/flotilla/runtime"
)

func TestDrainBuildStreamCollectsLog(t *testing.T) {
	body := strings.NewReader(
		`{"stream":"Step 1/2 : FROM scratch\n"}` + "\n" +
			`{"stream":" ---> done\n"}` + "\n")
	log, err := drainBuildStream("img:test", body)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !strings.Contains(string(log), "Step 1/2") {
		t.Errorf("log = %q, missing stream content", log)
	}
}

func TestDrainBuildStreamSurfacesError(t *testing.T) {
	body := strings.NewReader(
		`{"stream":"Step 1/1 : RUN false\n"}` + "\n" +
			`{"error":"build failed","errorDetail":{"message":"exit code 1"}}` + "\n")
	log, err := drainBuildStream("img:test", body)
	var be *runtime.BuildError
	if !errors.As(err, &be) {
		t.Fatalf("error = %T (%v), want *runtime.BuildError", err, err)
	}
	if !strings.Contains(be.Err.Error(), "exit code 1") {
		t.Errorf("error detail = %q", be.Err)
	}
	if !strings.Contains(string(log), "Step 1/1") {
		t.Errorf("log = %q, missing output before failure", log)
	}
}

func TestTarContextInjectsDockerfile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.txt"), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	rd, err := tarContext(dir, injectedDockerfile, []byte("FROM scratch\n"))
	if err != nil {
		t.Fatalf("tarContext: %v", err)
	}

	found := map[string]string{}
	tr := tar.NewReader(rd)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read archive: %v", err)
		}
		b, _ := io.ReadAll(tr)
		found[hdr.Name] = string(b)
	}

	if found["app.txt"] != "payload" {
		t.Errorf("app.txt = %q", found["app.txt"])
	}
	if found[injectedDockerfile] != "FROM scratch\n" {
		t.Errorf("dockerfile = %q", found[injectedDockerfile])
	}
}
