package archive_test

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sandboxd/sandboxd/sandbox/archive"
)

func TestArchive(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Archive Suite")
}

func readAllMembers(t []byte) map[string]tar.Header {
	out := map[string]tar.Header{}
	tr := tar.NewReader(bytes.NewReader(t))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		Expect(err).NotTo(HaveOccurred())
		out[hdr.Name] = *hdr
	}
	return out
}

var _ = Describe("Build", func() {
	It("writes the entrypoint at the archive root with fixed mode and ownership", func() {
		data, err := archive.Build("print('hi')", nil)
		Expect(err).NotTo(HaveOccurred())

		members := readAllMembers(data)
		hdr, ok := members["__main__.py"]
		Expect(ok).To(BeTrue())
		Expect(hdr.Mode).To(Equal(int64(0o644)))
		Expect(hdr.Uid).To(Equal(65532))
		Expect(hdr.Gid).To(Equal(65532))
	})

	It("inserts parent directories before their child files, once each", func() {
		data, err := archive.Build("pass", []archive.StagedFile{
			{Path: "a/b/c.txt", Bytes: []byte("1")},
			{Path: "a/b/d.txt", Bytes: []byte("2")},
		})
		Expect(err).NotTo(HaveOccurred())

		tr := tar.NewReader(bytes.NewReader(data))
		var order []string
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			Expect(err).NotTo(HaveOccurred())
			order = append(order, hdr.Name)
		}

		Expect(order).To(Equal([]string{
			"__main__.py", "a/", "a/b/", "a/b/c.txt", "a/b/d.txt",
		}))
	})

	It("rejects an input path that collides with the entrypoint", func() {
		_, err := archive.Build("pass", []archive.StagedFile{
			{Path: "__main__.py", Bytes: []byte("evil")},
		})
		Expect(err).To(HaveOccurred())
	})

	It("rejects an input path that fails validation before producing output", func() {
		_, err := archive.Build("pass", []archive.StagedFile{
			{Path: "../escape.txt", Bytes: []byte("evil")},
		})
		Expect(err).To(HaveOccurred())
	})

	It("preserves exact file sizes", func() {
		payload := bytes.Repeat([]byte{0x41}, 12345)
		data, err := archive.Build("pass", []archive.StagedFile{
			{Path: "big.bin", Bytes: payload},
		})
		Expect(err).NotTo(HaveOccurred())

		members := readAllMembers(data)
		Expect(members["big.bin"].Size).To(Equal(int64(12345)))
	})
})

var _ = Describe("ParseSnapshot", func() {
	It("discards the root '.' entry and strips a leading './'", func() {
		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		Expect(tw.WriteHeader(&tar.Header{Name: ".", Typeflag: tar.TypeDir, Mode: 0o755})).To(Succeed())
		Expect(tw.WriteHeader(&tar.Header{Name: "./out.txt", Typeflag: tar.TypeReg, Size: 5, Mode: 0o644})).To(Succeed())
		_, err := tw.Write([]byte("hello"))
		Expect(err).NotTo(HaveOccurred())
		Expect(tw.Close()).To(Succeed())

		entries, err := archive.ParseSnapshot(buf.Bytes())
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Path).To(Equal("out.txt"))
		Expect(entries[0].Content).To(Equal([]byte("hello")))
	})

	It("returns nil for empty input without erroring", func() {
		entries, err := archive.ParseSnapshot(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(BeEmpty())
	})
})
