package coordinator_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sandboxd/sandboxd/sandbox"
	"github.com/sandboxd/sandboxd/sandbox/coordinator"
	"github.com/sandboxd/sandboxd/sandbox/filestore"
)

func TestCoordinator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Coordinator Suite")
}

// fakeStore is an in-memory stand-in for *filestore.Store.
type fakeStore struct {
	byID map[string][]byte
	next int
}

func newFakeStore() *fakeStore { return &fakeStore{byID: map[string][]byte{}} }

func (f *fakeStore) Get(ctx context.Context, id string) ([]byte, filestore.Metadata, error) {
	content, ok := f.byID[id]
	if !ok {
		return nil, filestore.Metadata{}, &sandbox.NotFound{ID: id}
	}
	return content, filestore.Metadata{FileID: id}, nil
}

func (f *fakeStore) Put(ctx context.Context, content []byte, filename string) (string, error) {
	f.next++
	id := filename + "-generated"
	f.byID[id] = append([]byte(nil), content...)
	return id, nil
}

// fakeBackend returns a canned ExecutionResult for every Run call.
type fakeBackend struct {
	result sandbox.ExecutionResult
	err    error
}

func (f *fakeBackend) Run(ctx context.Context, params sandbox.RunParams) (sandbox.ExecutionResult, error) {
	return f.result, f.err
}

func (f *fakeBackend) RunStream(ctx context.Context, params sandbox.RunParams) (<-chan sandbox.StreamEvent, error) {
	panic("not used by these tests")
}

var _ = Describe("Coordinator", func() {
	var store *fakeStore

	BeforeEach(func() {
		store = newFakeStore()
	})

	It("rejects a request whose timeout exceeds the configured maximum", func() {
		c := coordinator.New(store, &fakeBackend{}, 1000)
		_, err := c.Execute(context.Background(), sandbox.ExecuteRequest{TimeoutMS: 5000})
		sbErr, ok := err.(*sandbox.Error)
		Expect(ok).To(BeTrue())
		Expect(sbErr.Kind).To(Equal(sandbox.KindInvalidTimeout))
	})

	It("reports UnknownFile naming the file-id and intended path when an input is missing", func() {
		c := coordinator.New(store, &fakeBackend{}, 10000)
		_, err := c.Execute(context.Background(), sandbox.ExecuteRequest{
			TimeoutMS: 1000,
			Inputs:    []sandbox.InputFile{{Path: "input.txt", FileID: "missing-id"}},
		})
		sbErr, ok := err.(*sandbox.Error)
		Expect(ok).To(BeTrue())
		Expect(sbErr.Kind).To(Equal(sandbox.KindUnknownFile))
		Expect(sbErr.Message).To(ContainSubstring("missing-id"))
		Expect(sbErr.Message).To(ContainSubstring("input.txt"))
	})

	It("omits a staged input from the diff when the program leaves it unchanged", func() {
		store.byID["F"] = []byte("Hello World")
		exitCode := 0
		c := coordinator.New(store, &fakeBackend{result: sandbox.ExecutionResult{
			ExitCode: &exitCode,
			Files: []sandbox.WorkspaceEntry{
				{Path: "input.txt", Kind: sandbox.EntryFile, Content: []byte("Hello World")},
			},
		}}, 10000)

		resp, err := c.Execute(context.Background(), sandbox.ExecuteRequest{
			TimeoutMS: 1000,
			Inputs:    []sandbox.InputFile{{Path: "input.txt", FileID: "F"}},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Files).To(BeEmpty())
	})

	It("persists a staged input the program modified and a brand new output file", func() {
		store.byID["F"] = []byte("Hello World")
		exitCode := 0
		c := coordinator.New(store, &fakeBackend{result: sandbox.ExecutionResult{
			ExitCode: &exitCode,
			Files: []sandbox.WorkspaceEntry{
				{Path: "dir", Kind: sandbox.EntryDir},
				{Path: "input.txt", Kind: sandbox.EntryFile, Content: []byte("Hello World\nThis is a new line")},
				{Path: "out.txt", Kind: sandbox.EntryFile, Content: []byte("fresh")},
			},
		}}, 10000)

		resp, err := c.Execute(context.Background(), sandbox.ExecuteRequest{
			TimeoutMS: 1000,
			Inputs:    []sandbox.InputFile{{Path: "input.txt", FileID: "F"}},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Files).To(HaveLen(2))
		paths := []string{resp.Files[0].Path, resp.Files[1].Path}
		Expect(paths).To(Equal([]string{"input.txt", "out.txt"}))
	})
})
