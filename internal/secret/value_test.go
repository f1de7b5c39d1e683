package secret_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/gocardless/rconfd/internal/secret"
)

var _ = Describe("ParseValue", func() {
	Context("str format", func() {
		It("keeps the raw bytes as a string", func() {
			v, err := secret.ParseValue("str", []byte("hello world"))
			Expect(err).NotTo(HaveOccurred())
			Expect(v.IsJS).To(BeFalse())
			Expect(v.Interface()).To(Equal("hello world"))
		})
	})

	Context("js format with a valid JSON object", func() {
		It("parses it into a generic value", func() {
			v, err := secret.ParseValue("js", []byte(`{"a": 1, "b": [true, null]}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(v.IsJS).To(BeTrue())
			Expect(v.Interface()).To(Equal(map[string]interface{}{
				"a": float64(1),
				"b": []interface{}{true, nil},
			}))
		})
	})

	Context("js format with invalid JSON", func() {
		It("returns an error", func() {
			_, err := secret.ParseValue("js", []byte("not json"))
			Expect(err).To(HaveOccurred())
		})
	})
})
