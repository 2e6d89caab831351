package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"strings"

	"github.com/sandboxd/sandboxd/sandbox"
)

// ParseSnapshot parses a `tar -c --exclude=__main__.py -C /workspace .`
// archive captured from a sandbox into an ordered list of WorkspaceEntry.
// The root "." member is discarded, and a leading "./" is stripped from
// every other member's name.
func ParseSnapshot(data []byte) ([]sandbox.WorkspaceEntry, error) {
	if len(data) == 0 {
		return nil, nil
	}

	tr := tar.NewReader(bytes.NewReader(data))
	var entries []sandbox.WorkspaceEntry
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		if name == "." || name == "" {
			continue
		}
		name = strings.TrimSuffix(name, "/")

		switch hdr.Typeflag {
		case tar.TypeDir:
			entries = append(entries, sandbox.WorkspaceEntry{
				Path: name,
				Kind: sandbox.EntryDir,
			})
		case tar.TypeReg:
			content := make([]byte, hdr.Size)
			if _, err := io.ReadFull(tr, content); err != nil {
				return nil, err
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
