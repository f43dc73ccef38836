// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

// Package plugin implements the plugin lifecycle named by spec §4.7
// "Plugins": install, start, stop, uninstall, and SetPluginData
// (SPEC_FULL.md §12 "Plugin lifecycle"). A plugin ships as a
// zstd-compressed tar archive (a "bundle") containing a YAML manifest
// plus whatever files the manifest's binary path names. Install
// verifies an Ed25519 signature over the bundle and computes a blake3
// content hash (recorded with the registry entry, not compared against
// any expected value) before unpacking, the same order lib/artifact/hash.go and
// cmd/bureau-daemon/transport.go apply their own integrity and
// authenticity checks in, just against a bundle instead of a Matrix
// token or artifact chunk.
package plugin

import (
	"archive/tar"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/ed25519"
	"gopkg.in/yaml.v3"

	"github.com/printwire/pcs/internal/pcserr"
	"github.com/printwire/pcs/internal/store"
)

// hashDomain separates pcs plugin-archive hashes from any other use of
// blake3 in the process, the way lib/artifact/hash.go domain-separates
// chunk and container hashes under distinct keys.
var hashDomain = blake3KeyFromString("pcs.plugin.archive.v1")

func blake3KeyFromString(s string) [32]byte {
	var key [32]byte
	copy(key[:], s)
	return key
}

// Manifest is a plugin bundle's plugin.yaml: the name, binary entry
// point, HTTP endpoints it wants to register, and permissions it
// requests (spec §4.7 "a plugin is a signed, content-hashed archive
// with a YAML manifest naming the HTTP endpoints and permissions it
// requests").
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Binary      string   `yaml:"binary"`
	Endpoints   []string `yaml:"endpoints"`
	Permissions []string `yaml:"permissions"`
	PublicKey   string   `yaml:"public_key"`
}

// State is a plugin's lifecycle state, persisted via internal/store.
type State string

const (
	StateInstalled State = "installed"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
)

// Plugin is one installed plugin's in-memory bookkeeping.
type Plugin struct {
	Manifest    Manifest
	State       State
	InstallPath string
	ContentHash string
	pid         int
}

// Persister is the subset of internal/store.Store the registry needs,
// narrowed the way internal/session.Persister narrows it for testing.
type Persister interface {
	SavePlugin(rec store.PluginRecord) error
	DeletePlugin(name string) error
	LoadPlugins() ([]store.PluginRecord, error)
	SavePluginData(plugin, key string, value []byte) error
	LoadPluginData(plugin string) (map[string][]byte, error)
}

// Registry tracks installed plugins and their lifecycle state.
type Registry struct {
	persist   Persister
	installDir string
	identity  *age.X25519Identity
	recipient age.Recipient

	mu      sync.Mutex
	byName  map[string]*Plugin
}

// NewRegistry constructs a Registry rooted at installDir, sealing
// SetPluginData values under identity. identity is the daemon's own
// age keypair — SPEC_FULL.md's domain-stack entry for filippo.io/age,
// using plain key material rather than lib/sealed's mmap-backed
// secret.Buffer, since that type belongs to the teacher's credential
// subsystem and is not something pcs's own identity warrants (see
// DESIGN.md).
func NewRegistry(persist Persister, installDir string, identity *age.X25519Identity) *Registry {
	return &Registry{
		persist:    persist,
		installDir: installDir,
		identity:   identity,
		recipient:  identity.Recipient(),
		byName:     make(map[string]*Plugin),
	}
}

// Load restores every persisted plugin's registry entry. Plugins are
// always restored in a stopped state — a daemon restart does not
// resurrect child processes (SPEC_FULL.md §12).
func (r *Registry) Load() error {
	records, err := r.persist.LoadPlugins()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		manifestPath := filepath.Join(rec.InstallPath, "plugin.yaml")
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			continue
		}
		var manifest Manifest
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			continue
		}
		r.byName[rec.Name] = &Plugin{
			Manifest:    manifest,
			State:       StateStopped,
			InstallPath: rec.InstallPath,
			ContentHash: rec.ContentHash,
		}
	}
	return nil
}

// PreviewBundle reads a bundle's manifest without verifying its
// signature or unpacking it, for a CLI's "show me what this is before
// I install it" path (pcs plugin show). Install performs the same
// splitBundle call but additionally verifies before trusting anything
// it reads here.
func PreviewBundle(bundlePath string) (Manifest, error) {
	raw, err := os.ReadFile(bundlePath)
	if err != nil {
		return Manifest{}, pcserr.Wrap(pcserr.KindIoError, err, "reading plugin bundle")
	}
	manifest, _, _, err := splitBundle(raw)
	if err != nil {
		return Manifest{}, pcserr.Wrap(pcserr.KindInvalidArgument, err, "parsing plugin bundle")
	}
	return manifest, nil
}

// Install verifies bundlePath's signature, computes its content hash,
// unpacks it under the registry's install directory, and persists its
// registry entry with that hash.
func (r *Registry) Install(bundlePath string) (*Plugin, error) {
	raw, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, pcserr.Wrap(pcserr.KindIoError, err, "reading plugin bundle")
	}

	manifest, archive, signature, err := splitBundle(raw)
	if err != nil {
		return nil, pcserr.Wrap(pcserr.KindInvalidArgument, err, "parsing plugin bundle")
	}

	publicKey, err := decodePublicKey(manifest.PublicKey)
	if err != nil {
		return nil, pcserr.Wrap(pcserr.KindInvalidArgument, err, "decoding plugin public key")
	}
	if !ed25519.Verify(publicKey, archive, signature) {
		return nil, pcserr.New(pcserr.KindPermissionDenied, "plugin %s: signature verification failed", manifest.Name)
	}

	contentHash := hashArchive(archive)

	r.mu.Lock()
	if _, exists := r.byName[manifest.Name]; exists {
		r.mu.Unlock()
		return nil, pcserr.New(pcserr.KindAlreadyExists, "plugin %s is already installed", manifest.Name)
	}
	r.mu.Unlock()

	installPath := filepath.Join(r.installDir, manifest.Name)
	if err := unpackArchive(archive, installPath); err != nil {
		return nil, pcserr.Wrap(pcserr.KindIoError, err, "unpacking plugin bundle")
	}

	rec := store.PluginRecord{
		Name:        manifest.Name,
		State:       string(StateInstalled),
		InstallPath: installPath,
		ContentHash: contentHash,
		InstalledAt: installedAtUnix(),
	}
	if err := r.persist.SavePlugin(rec); err != nil {
		os.RemoveAll(installPath)
		return nil, pcserr.Wrap(pcserr.KindIoError, err, "persisting plugin registry entry")
	}

	plugin := &Plugin{Manifest: manifest, State: StateInstalled, InstallPath: installPath, ContentHash: contentHash}
	r.mu.Lock()
	r.byName[manifest.Name] = plugin
	r.mu.Unlock()
	return plugin, nil
}

// installedAtUnix is separated out so a future clock injection point
// exists without every call site needing to thread one through; for
// now it calls the wall clock directly.
func installedAtUnix() int64 {
	return time.Now().Unix()
}

// Start transitions name to running. Actual process supervision (spawning
// Manifest.Binary, restart-on-crash, log capture) is out of scope for
// this daemon's footprint; Start only records the state transition, the
// way the spec frames the daemon's plugin responsibility as lifecycle
// bookkeeping rather than a process manager.
func (r *Registry) Start(name string) error {
	r.mu.Lock()
	plugin, ok := r.byName[name]
	r.mu.Unlock()
	if !ok {
		return pcserr.New(pcserr.KindNotFound, "plugin %s is not installed", name)
	}
	if plugin.State == StateRunning {
		return nil
	}

	r.mu.Lock()
	plugin.State = StateRunning
	r.mu.Unlock()

	return r.persist.SavePlugin(store.PluginRecord{
		Name:        plugin.Manifest.Name,
		State:       string(StateRunning),
		InstallPath: plugin.InstallPath,
		ContentHash: plugin.ContentHash,
		InstalledAt: installedAtUnix(),
	})
}

// Stop transitions name to stopped.
func (r *Registry) Stop(name string) error {
	r.mu.Lock()
	plugin, ok := r.byName[name]
	r.mu.Unlock()
	if !ok {
		return pcserr.New(pcserr.KindNotFound, "plugin %s is not installed", name)
	}

	r.mu.Lock()
	plugin.State = StateStopped
	r.mu.Unlock()

	return r.persist.SavePlugin(store.PluginRecord{
		Name:        plugin.Manifest.Name,
		State:       string(StateStopped),
		InstallPath: plugin.InstallPath,
		ContentHash: plugin.ContentHash,
		InstalledAt: installedAtUnix(),
	})
}

// Uninstall stops name if running, then removes its registry entry and
// unpacked tree.
func (r *Registry) Uninstall(name string) error {
	r.mu.Lock()
	plugin, ok := r.byName[name]
	r.mu.Unlock()
	if !ok {
		return pcserr.New(pcserr.KindNotFound, "plugin %s is not installed", name)
	}

	if plugin.State == StateRunning {
		if err := r.Stop(name); err != nil {
			return err
		}
	}

	if err := r.persist.DeletePlugin(name); err != nil {
		return pcserr.Wrap(pcserr.KindIoError, err, "deleting plugin registry entry")
	}
	if err := os.RemoveAll(plugin.InstallPath); err != nil {
		return pcserr.Wrap(pcserr.KindIoError, err, "removing unpacked plugin tree")
	}

	r.mu.Lock()
	delete(r.byName, name)
	r.mu.Unlock()
	return nil
}

// Get looks up an installed plugin by name.
func (r *Registry) Get(name string) (*Plugin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plugin, ok := r.byName[name]
	return plugin, ok
}

// List returns every installed plugin.
func (r *Registry) List() []*Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Plugin, 0, len(r.byName))
	for _, plugin := range r.byName {
		out = append(out, plugin)
	}
	return out
}

// SetData seals value under the registry's age identity and persists
// it as plugin's key, the way lib/sealed.EncryptJSON seals a value
// before it reaches disk.
func (r *Registry) SetData(plugin, key, value string) error {
	r.mu.Lock()
	_, ok := r.byName[plugin]
	r.mu.Unlock()
	if !ok {
		return pcserr.New(pcserr.KindNotFound, "plugin %s is not installed", plugin)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, r.recipient)
	if err != nil {
		return pcserr.Wrap(pcserr.KindIoError, err, "sealing plugin data")
	}
	if _, err := io.WriteString(writer, value); err != nil {
		return pcserr.Wrap(pcserr.KindIoError, err, "sealing plugin data")
	}
	if err := writer.Close(); err != nil {
		return pcserr.Wrap(pcserr.KindIoError, err, "sealing plugin data")
	}

	return r.persist.SavePluginData(plugin, key, ciphertext.Bytes())
}

// GetData unseals and returns every value stored for plugin.
func (r *Registry) GetData(plugin string) (map[string]string, error) {
	sealed, err := r.persist.LoadPluginData(plugin)
	if err != nil {
		return nil, pcserr.Wrap(pcserr.KindIoError, err, "loading plugin data")
	}

	out := make(map[string]string, len(sealed))
	for key, ciphertext := range sealed {
		reader, err := age.Decrypt(bytes.NewReader(ciphertext), r.identity)
		if err != nil {
			return nil, pcserr.Wrap(pcserr.KindIoError, err, "unsealing plugin data %q", key)
		}
		plaintext, err := io.ReadAll(reader)
		if err != nil {
			return nil, pcserr.Wrap(pcserr.KindIoError, err, "unsealing plugin data %q", key)
		}
		out[key] = string(plaintext)
	}
	return out, nil
}

// bundleSeparator delimits a bundle's zstd archive from its trailing
// Ed25519 signature. The archive itself carries plugin.yaml as its
// first tar entry so the manifest can be read without verifying the
// signature first — the signature check happens before any of the
// archive's other contents are trusted, but the manifest's public_key
// field must be readable to know which key to check against.
var bundleSeparator = []byte("\n---pcs-plugin-signature---\n")

// splitBundle separates a bundle into its manifest (read from the
// archive's first entry), zstd-compressed archive bytes, and trailing
// signature.
func splitBundle(raw []byte) (Manifest, []byte, []byte, error) {
	idx := bytes.LastIndex(raw, bundleSeparator)
	if idx < 0 {
		return Manifest{}, nil, nil, fmt.Errorf("missing signature separator")
	}
	archive := raw[:idx]
	signature := raw[idx+len(bundleSeparator):]

	manifest, err := readManifest(archive)
	if err != nil {
		return Manifest{}, nil, nil, err
	}
	return manifest, archive, signature, nil
}

// readManifest decompresses archive just far enough to read plugin.yaml
// without unpacking the rest to disk.
func readManifest(archive []byte) (Manifest, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(archive))
	if err != nil {
		return Manifest{}, fmt.Errorf("opening zstd stream: %w", err)
	}
	defer decoder.Close()

	reader := tar.NewReader(decoder)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return Manifest{}, fmt.Errorf("bundle has no plugin.yaml")
		}
		if err != nil {
			return Manifest{}, fmt.Errorf("reading tar entry: %w", err)
		}
		if header.Name != "plugin.yaml" {
			continue
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			return Manifest{}, fmt.Errorf("reading plugin.yaml: %w", err)
		}
		var manifest Manifest
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return Manifest{}, fmt.Errorf("parsing plugin.yaml: %w", err)
		}
		return manifest, nil
	}
}

// unpackArchive decompresses and extracts archive's tar entries under
// destDir, rejecting any entry whose name would escape destDir.
func unpackArchive(archive []byte, destDir string) error {
	decoder, err := zstd.NewReader(bytes.NewReader(archive))
	if err != nil {
		return fmt.Errorf("opening zstd stream: %w", err)
	}
	defer decoder.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating install directory: %w", err)
	}

	reader := tar.NewReader(decoder)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		target := filepath.Join(destDir, header.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != destDir {
			return fmt.Errorf("tar entry %q escapes install directory", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(file, reader); err != nil {
				file.Close()
				return err
			}
			if err := file.Close(); err != nil {
				return err
			}
		}
	}
}

// hashArchive returns archive's content hash as a lowercase hex string,
// the way lib/artifact/hash.go's FormatHash renders a blake3 digest.
func hashArchive(archive []byte) string {
	hasher, err := blake3.NewKeyed(hashDomain[:])
	if err != nil {
		panic(err)
	}
	hasher.Write(archive)
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum)
}

// decodePublicKey decodes a manifest's hex-encoded Ed25519 public key.
func decodePublicKey(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("got %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
