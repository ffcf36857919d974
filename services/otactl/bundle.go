package otactl

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"otad/pkg/firmware"
)

const (
	manifestFileName = "manifest.yaml"
	filesTarPrefix   = "firmware"
)

// BuildConfig configures bundle creation.
type BuildConfig struct {
	Dir    string
	Output string
	Now    func() time.Time
	Stdout io.Writer
}

// ImportConfig configures bundle import.
type ImportConfig struct {
	BundlePath string
	Client     *Client
	Stdout     io.Writer
}

// Build packs the descriptor and firmware images found directly in Dir into a
// tar.zst archive at Output.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.Dir == "" {
		return nil, errors.New("firmware directory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := collectFiles(ctx, cfg.Dir)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no firmware found in %s", cfg.Dir)
	}

	manifest := &Manifest{
		Version:   manifestVersion,
		ID:        uuid.NewString(),
		CreatedAt: cfg.Now().UTC().Truncate(time.Second),
		Artifacts: entries,
	}
	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifestBytes, cfg.Dir, entries, manifest.CreatedAt); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d files)\n", cfg.Output, len(entries))
	return manifest, nil
}

func collectFiles(ctx context.Context, dir string) ([]ManifestArtifact, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read firmware dir: %w", err)
	}

	var out []ManifestArtifact
	for _, de := range dirEntries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !de.Type().IsRegular() {
			continue
		}
		name := de.Name()
		kind := kindOf(name)
		if kind == "" {
			continue
		}

		size, digest, err := hashFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, ManifestArtifact{Path: name, Kind: kind, Size: size, SHA256: digest})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func kindOf(name string) string {
	switch {
	case name == firmware.DescriptorFileName:
		return kindDescriptor
	case strings.EqualFold(filepath.Ext(name), firmware.Extension):
		return kindFirmware
	default:
		return ""
	}
}

func hashFile(p string) (int64, string, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, "", fmt.Errorf("open %q: %w", p, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("hash %q: %w", p, err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func writeBundle(output string, manifest []byte, dir string, entries []ManifestArtifact, modTime time.Time) (err error) {
	if parent := filepath.Dir(output); parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close output file: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(output)
		}
	}()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	if err := tw.WriteHeader(&tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}); err != nil {
		encoder.Close()
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		encoder.Close()
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range entries {
		if err := appendFile(tw, filepath.Join(dir, entry.Path), entry); err != nil {
			encoder.Close()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		encoder.Close()
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

func appendFile(tw *tar.Writer, fullPath string, entry ManifestArtifact) error {
	f, err := os.Open(fullPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", entry.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", entry.Path, err)
	}
	if info.Size() != entry.Size {
		return fmt.Errorf("%q changed while bundling", entry.Path)
	}

	if err := tw.WriteHeader(&tar.Header{
		Name:     path.Join(filesTarPrefix, entry.Path),
		Mode:     0o644,
		Size:     entry.Size,
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write header for %q: %w", entry.Path, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("copy %q: %w", entry.Path, err)
	}
	return nil
}

// Import verifies a bundle, pushes its firmware images and then publishes the
// bundled descriptor. Nothing is pushed unless every digest matches.
func Import(ctx context.Context, cfg ImportConfig) (*Manifest, error) {
	if cfg.BundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("client is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}

	tempDir, err := os.MkdirTemp("", "otactl-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	manifest, files, err := extractBundle(ctx, cfg.BundlePath, tempDir)
	if err != nil {
		return nil, err
	}

	var descriptor *ManifestArtifact
	for i, art := range manifest.Artifacts {
		tempPath, ok := files[art.Path]
		if !ok {
			return nil, fmt.Errorf("artifact %q missing from archive", art.Path)
		}
		if err := validateArtifact(tempPath, art); err != nil {
			return nil, err
		}
		if art.Kind == kindDescriptor {
			descriptor = &manifest.Artifacts[i]
		}
	}
	fmt.Fprintf(cfg.Stdout, "verified bundle %s created at %s\n", manifest.ID, manifest.CreatedAt.Format(time.RFC3339))

	renamed := map[string]Uploaded{}
	for _, art := range manifest.Artifacts {
		if art.Kind != kindFirmware {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := pushFile(ctx, cfg.Client, files[art.Path], art.Path)
		if err != nil {
			return nil, fmt.Errorf("push %q: %w", art.Path, err)
		}
		if res.SHA256 != "" && !strings.EqualFold(res.SHA256, art.SHA256) {
			return nil, fmt.Errorf("server digest mismatch for %q", art.Path)
		}
		if res.Filename != art.Path {
			renamed[art.Path] = res
			fmt.Fprintf(cfg.Stdout, "uploaded %s as %s (%d bytes)\n", art.Path, res.Filename, res.Size)
		} else {
			fmt.Fprintf(cfg.Stdout, "uploaded %s (%d bytes)\n", art.Path, res.Size)
		}
	}

	if descriptor != nil {
		desc, err := readDescriptor(files[descriptor.Path])
		if err != nil {
			return nil, err
		}
		desc.URL = relinkURL(desc.URL, renamed)

		saved, err := cfg.Client.SaveConfig(ctx, firmware.DescriptorInput{
			Version:     desc.Version,
			URL:         desc.URL,
			Description: &desc.Description,
			Force:       &desc.Force,
		})
		if err != nil {
			return nil, fmt.Errorf("publish descriptor: %w", err)
		}
		fmt.Fprintf(cfg.Stdout, "published version %s -> %s\n", saved.Version, saved.URL)
	}

	return manifest, nil
}

func extractBundle(ctx context.Context, bundlePath, tempDir string) (*Manifest, map[string]string, error) {
	bundleFile, err := os.Open(bundlePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open bundle: %w", err)
	}
	defer bundleFile.Close()

	decoder, err := zstd.NewReader(bundleFile)
	if err != nil {
		return nil, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var (
		manifestBytes []byte
		files         = map[string]string{}
		tr            = tar.NewReader(decoder)
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		if header.Name == manifestFileName {
			if manifestBytes, err = io.ReadAll(tr); err != nil {
				return nil, nil, fmt.Errorf("read manifest: %w", err)
			}
			continue
		}

		dir, name := path.Split(header.Name)
		if dir != filesTarPrefix+"/" || name == "" || name == "." || name == ".." || kindOf(name) == "" {
			return nil, nil, fmt.Errorf("invalid entry path %q", header.Name)
		}

		target := filepath.Join(tempDir, name)
		if err := writeTemp(target, tr); err != nil {
			return nil, nil, fmt.Errorf("extract %q: %w", name, err)
		}
		files[name] = target
	}

	if len(manifestBytes) == 0 {
		return nil, nil, fmt.Errorf("bundle missing %s", manifestFileName)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	return &manifest, files, nil
}

func writeTemp(target string, r io.Reader) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func validateArtifact(p string, art ManifestArtifact) error {
	size, digest, err := hashFile(p)
	if err != nil {
		return err
	}
	if size != art.Size {
		return fmt.Errorf("size mismatch for %q: expected %d got %d", art.Path, art.Size, size)
	}
	if !strings.EqualFold(digest, art.SHA256) {
		return fmt.Errorf("sha256 mismatch for %q", art.Path)
	}
	return nil
}

func pushFile(ctx context.Context, client *Client, p, name string) (Uploaded, error) {
	f, err := os.Open(p)
	if err != nil {
		return Uploaded{}, err
	}
	defer f.Close()
	return client.Push(ctx, name, f)
}

func readDescriptor(p string) (firmware.Descriptor, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return firmware.Descriptor{}, fmt.Errorf("read descriptor: %w", err)
	}
	desc := firmware.DefaultDescriptor()
	if err := json.Unmarshal(data, &desc); err != nil {
		return firmware.Descriptor{}, fmt.Errorf("parse descriptor: %w", err)
	}
	return desc, nil
}

// relinkURL points raw at the uploaded name when the image it references was
// stored under a different name.
func relinkURL(raw string, renamed map[string]Uploaded) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	res, ok := renamed[path.Base(u.Path)]
	if !ok {
		return raw
	}
	u.Path = path.Join(path.Dir(u.Path), res.Filename)
	u.RawPath = ""
	return u.String()
}
