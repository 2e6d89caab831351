package pathvalidate_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sandboxd/sandboxd/sandbox/pathvalidate"
)

func TestPathvalidate(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Pathvalidate Suite")
}

var _ = Describe("Validate", func() {
	DescribeTable("rejected paths",
		func(path string) {
			_, err := pathvalidate.Validate(path)
			Expect(err).To(HaveOccurred())
		},
		Entry("absolute path", "/etc/passwd"),
		Entry("parent escape", "../escape.txt"),
		Entry("nested parent escape", "a/../../escape.txt"),
		Entry("empty string", ""),
		Entry("single dot", "."),
		Entry("only dots and slashes", "././."),
		Entry("reserved entrypoint name", "__main__.py"),
	)

	DescribeTable("accepted paths normalize as expected",
		func(path, expected string) {
			got, err := pathvalidate.Validate(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(expected))
		},
		Entry("simple relative", "input.txt", "input.txt"),
		Entry("nested relative", "data/input.txt", "data/input.txt"),
		Entry("leading dot segment discarded", "./data/input.txt", "data/input.txt"),
		Entry("empty segments discarded", "data//input.txt", "data/input.txt"),
		Entry("inner dot segment discarded", "data/./input.txt", "data/input.txt"),
	)

	It("never needs the filesystem: validation is purely lexical", func() {
		// A path that doesn't exist anywhere is still accepted; Validate
		// makes no syscalls.
		got, err := pathvalidate.Validate("definitely/does/not/exist.csv")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal("definitely/does/not/exist.csv"))
	})
})
