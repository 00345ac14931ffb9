// Package ptxc compiles kernel source text (PTX) into loadable GPU binary
// images by driving the vendor assembler.
package ptxc

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"
)

// Compiler turns kernel source text into an architecture-specific binary
// image loadable as a device module.
type Compiler interface {
	Compile(source string, ccMajor, ccMinor int) ([]byte, error)
}

// PathEnv overrides the assembler location when set.
const PathEnv = "PTXAS_PATH"

// Ptxas compiles PTX with the `ptxas` assembler.
type Ptxas struct {
	// Path is the assembler binary. Empty means: $PTXAS_PATH, then $PATH,
	// then the conventional CUDA install location.
	Path string
}

// NewPtxas returns a Ptxas with the resolved assembler path.
func NewPtxas() *Ptxas {
	return &Ptxas{Path: findPtxas()}
}

func findPtxas() string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	if p, err := exec.LookPath("ptxas"); err == nil {
		return p
	}
	return "/usr/local/cuda/bin/ptxas"
}

// Compile assembles source for sm_<major><minor> and returns the cubin.
func (p *Ptxas) Compile(source string, ccMajor, ccMinor int) ([]byte, error) {
	dir, err := os.MkdirTemp("", "ptxc")
	if err != nil {
		return nil, errors.Wrap(err, "creating ptxas work dir")
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "kernel.ptx")
	out := filepath.Join(dir, "kernel.cubin")
	if err := os.WriteFile(in, []byte(source), 0o600); err != nil {
		return nil, errors.Wrap(err, "writing kernel source")
	}

	arch := fmt.Sprintf("sm_%d%d", ccMajor, ccMinor)
	cmd := exec.Command(p.Path, "-arch="+arch, in, "-o", out)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, errors.Wrapf(err, "ptxas -arch=%s failed: %s", arch, output)
	}

	image, err := os.ReadFile(out)
	if err != nil {
		return nil, errors.Wrap(err, "reading compiled kernel image")
	}
	return image, nil
}
