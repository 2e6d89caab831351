package sandbox_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sandboxd/sandboxd/sandbox"
)

var _ = Describe("TruncateOutput", func() {
	It("returns the decoded text unchanged when under the cap", func() {
		out := sandbox.TruncateOutput([]byte("hello"), 100)
		Expect(out).To(Equal("hello"))
	})

	It("overwrites the final 15 bytes with the truncation marker when over the cap", func() {
		raw := []byte(strings.Repeat("a", 100))
		out := sandbox.TruncateOutput(raw, 50)
		Expect(len(out)).To(Equal(50))
		Expect(out[len(out)-len(sandbox.TruncationMarker):]).To(Equal(sandbox.TruncationMarker))
		Expect(out[:35]).To(Equal(strings.Repeat("a", 35)))
	})

	It("replaces invalid UTF-8 sequences", func() {
		raw := []byte{'a', 0xff, 'b'}
		out := sandbox.TruncateOutput(raw, 100)
		Expect(out).To(Equal("a�b"))
	})

	It("does not truncate when the input lands exactly on the cap", func() {
		out := sandbox.TruncateOutput([]byte("0123456789"), 10)
		Expect(out).To(Equal("0123456789"))
	})

	It("never returns more than maxBytes even when maxBytes is smaller than the marker", func() {
		raw := []byte(strings.Repeat("a", 100))
		out := sandbox.TruncateOutput(raw, 5)
		Expect(len(out)).To(BeNumerically("<=", 5))
	})
})

var _ = Describe("StreamCapper", func() {
	It("passes bytes through unchanged under the cap", func() {
		c := sandbox.NewStreamCapper(100)
		Expect(c.Feed([]byte("hello "))).To(Equal("hello "))
		Expect(c.Feed([]byte("world"))).To(Equal("world"))
		Expect(c.Flush()).To(Equal(""))
	})

	It("drops bytes once the cap is reached without closing the stream", func() {
		c := sandbox.NewStreamCapper(5)
		Expect(c.Feed([]byte("hello"))).To(Equal("hello"))
		Expect(c.Feed([]byte("world"))).To(Equal(""))
		Expect(c.Feed([]byte("more"))).To(Equal(""))
	})

	It("clips a chunk that straddles the cap boundary", func() {
		c := sandbox.NewStreamCapper(5)
		Expect(c.Feed([]byte("hello world"))).To(Equal("hello"))
	})

	It("never splits a multi-byte rune across two Feed calls", func() {
		c := sandbox.NewStreamCapper(100)
		euro := "€" // 3-byte UTF-8 sequence
		b := []byte(euro)

		first := c.Feed(b[:2])
		Expect(first).To(Equal(""))
		second := c.Feed(b[2:])
		Expect(second).To(Equal(euro))
	})

	It("flushes a trailing incomplete sequence with replacement", func() {
		c := sandbox.NewStreamCapper(100)
		euro := []byte("€")
		Expect(c.Feed(euro[:1])).To(Equal(""))
		Expect(c.Flush()).To(Equal("�"))
	})

	It("is not truncated when fed output lands exactly on the cap", func() {
		c := sandbox.NewStreamCapper(5)
		Expect(c.Feed([]byte("hello"))).To(Equal("hello"))
		Expect(c.Truncated()).To(BeFalse())
	})

	It("is truncated once any byte beyond the cap is dropped", func() {
		c := sandbox.NewStreamCapper(5)
		Expect(c.Feed([]byte("hello"))).To(Equal("hello"))
		Expect(c.Feed([]byte("!"))).To(Equal(""))
		Expect(c.Truncated()).To(BeTrue())
	})
})
