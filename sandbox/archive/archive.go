// Package archive builds and parses the POSIX ustar archives the sandbox
// backends stage into and snapshot out of a workspace, using the standard
// library archive/tar to build the input archive (entrypoint first,
// parent directories before their children) and to parse the
// post-execution snapshot back into workspace entries.
package archive

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sandboxd/sandboxd/sandbox"
	"github.com/sandboxd/sandboxd/sandbox/pathvalidate"
)

const (
	// SandboxUID/SandboxGID is the unprivileged user every staged file and
	// directory is owned by inside the sandbox.
	SandboxUID = 65532
	SandboxGID = 65532

	fileMode = 0o644
	dirMode  = 0o755
)

// StagedFile is one caller-declared input to stage: an unvalidated
// caller-relative path paired with its bytes.
type StagedFile struct {
	Path  string
	Bytes []byte
}

// Build produces a single ustar archive containing the entrypoint (code,
// named pathvalidate.EntrypointName at the archive root) followed by every
// staged file, with explicit parent directories inserted once, in depth
// order, before their first child. Returns a *pathvalidate.Error when a
// staged path fails validation or collides with the entrypoint; each
// backend's stageArchive translates that into an InvalidPath error.
func Build(code string, files []StagedFile) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	codeBytes := []byte(code)
	if err := tw.WriteHeader(&tar.Header{
		Name:     pathvalidate.EntrypointName,
		Mode:     fileMode,
		Size:     int64(len(codeBytes)),
		Typeflag: tar.TypeReg,
		Uid:      SandboxUID,
		Gid:      SandboxGID,
	}); err != nil {
		return nil, fmt.Errorf("writing entrypoint header: %w", err)
	}
	if _, err := tw.Write(codeBytes); err != nil {
		return nil, fmt.Errorf("writing entrypoint body: %w", err)
	}

	// Validate and normalize every input up front, in caller order, so a
	// single bad path fails the whole build before any bytes are written
	// beyond the entrypoint. Normalized paths are then sorted so directory
	// insertion order is deterministic.
	type normalized struct {
		path  string
		bytes []byte
	}
	norm := make([]normalized, 0, len(files))
	for _, f := range files {
		p, err := pathvalidate.Validate(f.Path)
		if err != nil {
			return nil, err
		}
		norm = append(norm, normalized{path: p, bytes: f.Bytes})
	}
	sort.Slice(norm, func(i, j int) bool { return norm[i].path < norm[j].path })

	createdDirs := make(map[string]bool)
	for _, f := range norm {
		segs := strings.Split(f.path, "/")
		for i := 1; i < len(segs); i++ {
			dir := strings.Join(segs[:i], "/")
			if createdDirs[dir] {
				continue
			}
			createdDirs[dir] = true
			if err := tw.WriteHeader(&tar.Header{
				Name:     dir + "/",
				Mode:     dirMode,
				Typeflag: tar.TypeDir,
				Uid:      SandboxUID,
				Gid:      SandboxGID,
			}); err != nil {
				return nil, fmt.Errorf("writing directory header for %q: %w", dir, err)
			}
		}

		if err := tw.WriteHeader(&tar.Header{
			Name:     f.path,
			Mode:     fileMode,
			Size:     int64(len(f.bytes)),
			Typeflag: tar.TypeReg,
			Uid:      SandboxUID,
			Gid:      SandboxGID,
		}); err != nil {
			return nil, fmt.Errorf("writing file header for %q: %w", f.path, err)
		}
		if _, err := tw.Write(f.bytes); err != nil {
			return nil, fmt.Errorf("writing file body for %q: %w", f.path, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseSnapshot reads a workspace tar stream captured after execution into
// an ordered list of WorkspaceEntry values. The archive root entry (".")
// is discarded and a leading "./" is stripped from every other name, since
// that's how `tar -c -C <dir> .` names paths relative to the directory it
// was run from.
func ParseSnapshot(data []byte) ([]sandbox.WorkspaceEntry, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var entries []sandbox.WorkspaceEntry
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading snapshot: %w", err)
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		if name == "" || name == "." {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			entries = append(entries, sandbox.WorkspaceEntry{
				Path: strings.TrimSuffix(name, "/"),
				Kind: sandbox.EntryDir,
			})
		case tar.TypeReg:
			content, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("reading snapshot member %q: %w", name, err)
			}
			entries = append(entries, sandbox.WorkspaceEntry{
				Path:    name,
				Kind:    sandbox.EntryFile,
				Content: content,
			})
		}
	}
	return entries, nil
}
