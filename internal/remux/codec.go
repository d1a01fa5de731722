package remux

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the worker asset: what the bundle is and how much it accepts.
type Manifest struct {
	Name          string `yaml:"name"`
	Version       string `yaml:"version"`
	MaxInputBytes int    `yaml:"max_input_bytes"`
	TimeoutSec    int    `yaml:"timeout_sec"`
}

// Profile is the glue asset: how to invoke the codec binary.
// {input} and {output} in Args are replaced with file paths, {start} with
// the recording start in epoch milliseconds.
type Profile struct {
	Args            []string `yaml:"args"`
	OutputExtension string   `yaml:"output_extension"`
}

var defaultProfile = Profile{
	Args:            []string{"-hide_banner", "-loglevel", "error", "-i", "{input}", "-c", "copy", "-y", "{output}"},
	OutputExtension: ".webm",
}

// ParseManifest decodes the worker asset.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("remux: parse manifest: %w", err)
	}
	if m.Name == "" {
		return Manifest{}, errors.New("remux: manifest name is required")
	}
	return m, nil
}

// ParseProfile decodes the glue asset. An empty asset selects the default
// stream-copy profile.
func ParseProfile(data []byte) (Profile, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return defaultProfile, nil
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("remux: parse profile: %w", err)
	}
	if len(p.Args) == 0 {
		p.Args = defaultProfile.Args
	}
	if p.OutputExtension == "" {
		p.OutputExtension = defaultProfile.OutputExtension
	}
	var in, out bool
	for _, a := range p.Args {
		in = in || strings.Contains(a, "{input}")
		out = out || strings.Contains(a, "{output}")
	}
	if !in || !out {
		return Profile{}, errors.New("remux: profile args must reference {input} and {output}")
	}
	return p, nil
}

// VerifyChecksum checks data against a sha256sum-style utility asset. The
// first field of the first non-empty line is the expected digest.
func VerifyChecksum(data, utility []byte) error {
	var want string
	for _, line := range strings.Split(string(utility), "\n") {
		if f := strings.Fields(line); len(f) > 0 {
			want = strings.ToLower(f[0])
			break
		}
	}
	if want == "" {
		return errors.New("remux: utility asset has no checksum")
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != want {
		return fmt.Errorf("remux: codec checksum mismatch: got %s want %s", got, want)
	}
	return nil
}

// ExecCodec runs the fetched codec binary once per job.
type ExecCodec struct {
	dir      string
	binary   string
	manifest Manifest
	profile  Profile
}

// NewExecCodec installs the bundle's codec binary in a private temp dir.
func NewExecCodec(b Bundle) (Codec, error) {
	m, err := ParseManifest(b.Manifest)
	if err != nil {
		return nil, err
	}
	if len(b.Codec) == 0 {
		return nil, errors.New("remux: empty codec binary")
	}
	if err := VerifyChecksum(b.Codec, b.Utility); err != nil {
		return nil, err
	}
	p, err := ParseProfile(b.Glue)
	if err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "canvascap-remux-")
	if err != nil {
		return nil, fmt.Errorf("remux: temp dir: %w", err)
	}
	bin := filepath.Join(dir, "codec")
	if err := os.WriteFile(bin, b.Codec, 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("remux: install codec: %w", err)
	}
	return &ExecCodec{dir: dir, binary: bin, manifest: m, profile: p}, nil
}

func (c *ExecCodec) Remux(ctx context.Context, src []byte, start time.Time) ([]byte, error) {
	if c.manifest.MaxInputBytes > 0 && len(src) > c.manifest.MaxInputBytes {
		return nil, fmt.Errorf("remux: input %d bytes exceeds limit %d", len(src), c.manifest.MaxInputBytes)
	}
	if c.manifest.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.manifest.TimeoutSec)*time.Second)
		defer cancel()
	}

	job, err := os.MkdirTemp(c.dir, "job-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(job)
	in := filepath.Join(job, "input.webm")
	out := filepath.Join(job, "output"+c.profile.OutputExtension)
	if err := os.WriteFile(in, src, 0o600); err != nil {
		return nil, err
	}

	repl := strings.NewReplacer("{input}", in, "{output}", out, "{start}", fmt.Sprint(start.UnixMilli()))
	args := make([]string, len(c.profile.Args))
	for i, a := range c.profile.Args {
		args[i] = repl.Replace(a)
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("remux: %s: %w: %s", c.manifest.Name, err, strings.TrimSpace(stderr.String()))
	}
	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("remux: read output: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("remux: codec produced no output")
	}
	return data, nil
}

// Close removes the installed binary.
func (c *ExecCodec) Close() error {
	return os.RemoveAll(c.dir)
}
