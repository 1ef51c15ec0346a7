package httpproto_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/evproxy/internal/httpproto"
)

var _ = Describe("Chunked body", func() {
	DescribeTable("finds the end of the body",
		func(parts []string, consumed int, done bool) {
			in := make([][]byte, len(parts))
			for i, p := range parts {
				in[i] = []byte(p)
			}
			n, ok, err := httpproto.ParseChunked(in...)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(Equal(done))
			Expect(n).To(Equal(consumed))
		},
		Entry("single chunk", []string{"5\r\nhello\r\n0\r\n\r\n"}, 15, true),
		Entry("bytes after the body are left", []string{"1\r\na\r\n0\r\n\r\nHTTP"}, 11, true),
		Entry("split across reads", []string{"b\r\nhel", "lo world\r", "\n0\r\n", "\r\n"}, 21, true),
		Entry("hex sizes", []string{"A\r\n0123456789\r\n0\r\n\r\n"}, 20, true),
		Entry("extensions", []string{"3;name=v\r\nabc\r\n0\r\n\r\n"}, 20, true),
		Entry("trailers", []string{"0\r\nX-Sum: 1\r\n\r\n"}, 15, true),
		Entry("bare newlines", []string{"2\nok\n0\n\n"}, 8, true),
		Entry("incomplete", []string{"5\r\nhel"}, 6, false),
	)

	DescribeTable("rejects malformed input",
		func(input string) {
			_, _, err := httpproto.ParseChunked([]byte(input))
			Expect(err).To(MatchError(httpproto.ErrInvalidChunk))
		},
		Entry("no size", "\r\n"),
		Entry("bad size", "zz\r\n"),
		Entry("data overrun", "2\r\nabc\r\n"),
		Entry("missing LF after size", "2\rxab"),
		Entry("size overflow", "ffffffffffffffffff\r\n"),
	)
})
