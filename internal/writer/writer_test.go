package writer_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/gocardless/rconfd/internal/writer"
)

var _ = Describe("Writer.Write", func() {
	var (
		dir string
		w   writer.Writer
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "rconfd-writer-test")
		Expect(err).NotTo(HaveOccurred())

		w = writer.Writer{}
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	Context("a file that does not yet exist", func() {
		It("creates it with the requested content and mode", func() {
			path := filepath.Join(dir, "nested", "out.conf")

			result, err := w.Write(writer.Output{
				AbsPath: path,
				Content: []byte("hello"),
				Mode:    0640,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Changed).To(BeTrue())

			content, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(Equal("hello"))

			info, err := os.Stat(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Mode().Perm()).To(Equal(os.FileMode(0640)))
		})
	})

	Context("writing identical content a second time", func() {
		It("reports no change and leaves the file untouched", func() {
			path := filepath.Join(dir, "out.conf")
			out := writer.Output{AbsPath: path, Content: []byte("same"), Mode: 0644}

			first, err := w.Write(out)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Changed).To(BeTrue())

			before, err := os.Stat(path)
			Expect(err).NotTo(HaveOccurred())

			second, err := w.Write(out)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Changed).To(BeFalse())

			after, err := os.Stat(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(after.ModTime()).To(Equal(before.ModTime()))
		})
	})

	Context("writing different content over an existing file", func() {
		It("replaces the content and reports a change", func() {
			path := filepath.Join(dir, "out.conf")

			_, err := w.Write(writer.Output{AbsPath: path, Content: []byte("first"), Mode: 0644})
			Expect(err).NotTo(HaveOccurred())

			result, err := w.Write(writer.Output{AbsPath: path, Content: []byte("second"), Mode: 0644})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Changed).To(BeTrue())

			content, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(Equal("second"))
		})

		It("leaves no temp files behind", func() {
			path := filepath.Join(dir, "out.conf")
			_, err := w.Write(writer.Output{AbsPath: path, Content: []byte("first"), Mode: 0644})
			Expect(err).NotTo(HaveOccurred())

			_, err = w.Write(writer.Output{AbsPath: path, Content: []byte("second"), Mode: 0644})
			Expect(err).NotTo(HaveOccurred())

			entries, err := os.ReadDir(dir)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Name()).To(Equal("out.conf"))
		})
	})
})
