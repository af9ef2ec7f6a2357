package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/samcharles93/strata/internal/hwprof"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/paths"
	"github.com/samcharles93/strata/internal/plugin"
)

var (
	// ErrChecksumMismatch is the kind of every ChecksumMismatchError.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrNoVariant is returned when the manifest has nothing for the
	// platform.
	ErrNoVariant = errors.New("no runtime variant for this platform")
)

// ChecksumMismatchError reports a download whose SHA-256 differs from the
// manifest.
type ChecksumMismatchError struct {
	Name string
	Want string
	Got  string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: got %s, want %s", e.Name, e.Got, e.Want)
}

func (e *ChecksumMismatchError) Unwrap() error { return ErrChecksumMismatch }

// Stage names reported through Installer.Progress.
const (
	StageDownload = "download"
	StageVerify   = "verify"
	StageExtract  = "extract"
	StageDone     = "done"
)

type Progress struct {
	Variant string
	Stage   string
	Bytes   int64
	Total   int64
}

// Installer installs runtime packs under Root.
type Installer struct {
	Root     string
	Platform Platform
	Client   *http.Client
	TempDir  string
	Log      logger.Logger
	Progress func(Progress)
}

// New returns an installer for the host platform rooted at the runtime
// root.
func New(log logger.Logger) (*Installer, error) {
	root, err := paths.RuntimeRoot()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}
	return &Installer{
		Root:     root,
		Platform: PlatformFor(runtime.GOOS, runtime.GOARCH),
		Client:   http.DefaultClient,
		Log:      log.With("component", "installer"),
	}, nil
}

// Result describes a completed install.
type Result struct {
	Choice     Choice             `json:"choice"`
	Installed  []string           `json:"installed"`
	Descriptor *plugin.Descriptor `json:"descriptor"`
}

func (in *Installer) logger() logger.Logger {
	if in.Log == nil {
		return logger.Discard()
	}
	return in.Log
}

func (in *Installer) report(p Progress) {
	if in.Progress != nil {
		in.Progress(p)
	}
}

// Install downloads, verifies and extracts every chosen pack, then writes
// the runtime descriptor. Packs are staged next to their final directory and
// only moved into place once all of them verified and extracted, so a failed
// install leaves the previous runtime and descriptor untouched.
func (in *Installer) Install(ctx context.Context, m *Manifest, pref string, prof *hwprof.Profile) (*Result, error) {
	entries, choice, err := ChooseVariants(m, in.Platform, pref, prof)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoVariant, in.Platform.OS, in.Platform.Arch)
	}
	if err := os.MkdirAll(in.Root, 0o755); err != nil {
		return nil, err
	}
	log := in.logger()
	log.Info("installing runtime", "variants", choice.Variants, "root", in.Root)

	staged := make(map[string]string, len(entries))
	defer func() {
		for _, dir := range staged {
			_ = os.RemoveAll(dir)
		}
	}()

	for _, e := range entries {
		dir, err := in.fetch(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("install %s: %w", e.Variant, err)
		}
		staged[e.Variant] = dir
	}

	act := &activation{root: in.Root, log: log}
	committed := false
	defer func() {
		if !committed {
			act.rollback()
		}
	}()

	installed := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := act.swap(e.Variant, staged[e.Variant]); err != nil {
			return nil, fmt.Errorf("activate %s: %w", e.Variant, err)
		}
		delete(staged, e.Variant)
		installed = append(installed, e.Variant)
	}

	desc := plugin.NewDescriptor(in.Root, installed, choice.ActiveGPU)
	if err := plugin.WriteDescriptor(in.Root, desc); err != nil {
		return nil, fmt.Errorf("write runtime descriptor: %w", err)
	}
	committed = true
	act.commit()
	in.report(Progress{Stage: StageDone})
	log.Info("runtime installed", "active", desc.ActiveVariant)
	return &Result{Choice: choice, Installed: installed, Descriptor: desc}, nil
}

// activation moves staged packs over live variant directories. Each live
// directory is set aside rather than removed, so a failure part way through
// can put the previous runtime back.
type activation struct {
	root  string
	log   logger.Logger
	moved []movedVariant
}

type movedVariant struct {
	dest   string
	backup string // "" when the variant was not installed before
}

func (a *activation) swap(variant, stage string) error {
	mv := movedVariant{dest: filepath.Join(a.root, variant)}
	if _, err := os.Stat(mv.dest); err == nil {
		mv.backup = filepath.Join(a.root, "."+variant+".previous")
		if err := os.RemoveAll(mv.backup); err != nil {
			return err
		}
		if err := os.Rename(mv.dest, mv.backup); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	a.moved = append(a.moved, mv)
	return os.Rename(stage, mv.dest)
}

// rollback restores set-aside directories, newest first.
func (a *activation) rollback() {
	for i := len(a.moved) - 1; i >= 0; i-- {
		mv := a.moved[i]
		if err := os.RemoveAll(mv.dest); err != nil {
			a.log.Error("remove partially activated runtime", "dir", mv.dest, "error", err)
			continue
		}
		if mv.backup == "" {
			continue
		}
		if err := os.Rename(mv.backup, mv.dest); err != nil {
			a.log.Error("restore previous runtime", "dir", mv.dest, "error", err)
		}
	}
	a.moved = nil
}

func (a *activation) commit() {
	for _, mv := range a.moved {
		if mv.backup != "" {
			_ = os.RemoveAll(mv.backup)
		}
	}
	a.moved = nil
}

// fetch downloads and verifies one pack and extracts it into a staging
// directory inside Root.
func (in *Installer) fetch(ctx context.Context, e Entry) (string, error) {
	tmp, err := os.CreateTemp(in.TempDir, "strata-"+e.Variant+"-*.zip")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	got, err := in.download(ctx, e, tmp)
	if err != nil {
		return "", err
	}

	in.report(Progress{Variant: e.Variant, Stage: StageVerify})
	want := strings.ToLower(strings.TrimSpace(e.SHA256))
	if got != want {
		return "", &ChecksumMismatchError{Name: e.Name, Want: want, Got: got}
	}

	stage, err := os.MkdirTemp(in.Root, "."+e.Variant+".staging-")
	if err != nil {
		return "", err
	}
	in.report(Progress{Variant: e.Variant, Stage: StageExtract})
	if err := unzipInto(tmp.Name(), stage); err != nil {
		_ = os.RemoveAll(stage)
		return "", fmt.Errorf("extract %s: %w", e.Name, err)
	}
	return stage, nil
}

// download streams e.URL into w and returns the lowercase hex SHA-256 of
// the body.
func (in *Installer) download(ctx context.Context, e Entry, w io.Writer) (string, error) {
	client := in.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", e.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("download %s: %s", e.Name, resp.Status)
	}

	h := sha256.New()
	pw := &progressWriter{variant: e.Variant, total: resp.ContentLength, report: in.report}
	if _, err := io.Copy(io.MultiWriter(w, h, pw), resp.Body); err != nil {
		return "", fmt.Errorf("download %s: %w", e.Name, err)
	}
	in.logger().Debug("downloaded", "name", e.Name, "bytes", pw.n)
	return hex.EncodeToString(h.Sum(nil)), nil
}

type progressWriter struct {
	variant string
	n       int64
	total   int64
	report  func(Progress)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.n += int64(len(b))
	p.report(Progress{Variant: p.variant, Stage: StageDownload, Bytes: p.n, Total: p.total})
	return len(b), nil
}
