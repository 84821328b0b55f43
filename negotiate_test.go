package vidup

import (
	"context"
	"net/http"
	"net/url"

	. "github.com/onsi/ginkgo/v2/dsl/core"
	. "github.com/onsi/gomega"
	"github.com/vitorsalgado/mocha/v3"
	"github.com/vitorsalgado/mocha/v3/expect"
	"github.com/vitorsalgado/mocha/v3/reply"
)

var _ = Describe("NegotiateSession", func() {
	var testClient *Client
	var testURL *url.URL
	var srvMock *mocha.Mocha

	BeforeEach(func() {
		srvMock = mocha.New(GinkgoT())
		srvMock.Start()
		testURL, _ = url.Parse(srvMock.URL() + "/upload")
		testClient = NewClient(http.DefaultClient, testURL, StaticToken("tok-123"))
	})
	AfterEach(func() {
		if srvMock != nil {
			srvMock.AssertCalled(GinkgoT())
			Ω(srvMock.Close()).Should(Succeed())
		}
	})

	Context("happy path", func() {
		It("should return the endpoint from the Location header", func() {
			srvMock.AddMocks(mocha.Request().
				URL(expect.URLPath("/upload")).Method(http.MethodPost).
				Header("Authorization", expect.ToEqual("Bearer tok-123")).
				Header("Content-Type", expect.ToEqual("application/json; charset=UTF-8")).
				Header("X-Upload-Content-Type", expect.ToEqual("*/*")).
				Header("X-Upload-Content-Length", expect.ToEqual("2048")).
				Reply(reply.OK().Header("Location", srvMock.URL()+"/upload/session/abc")),
			)

			endpoint, err := testClient.NegotiateSession(context.Background(), Metadata{"title": "t"}, 2048)
			Ω(err).Should(Succeed())
			Ω(endpoint).Should(Equal(srvMock.URL() + "/upload/session/abc"))
		})
		It("should resolve a relative endpoint against the base URL", func() {
			srvMock.AddMocks(mocha.Request().
				URL(expect.URLPath("/upload")).Method(http.MethodPost).
				Reply(reply.Status(http.StatusCreated).Header("Location", "/upload/session/rel")),
			)

			endpoint, err := testClient.NegotiateSession(context.Background(), Metadata{"title": "t"}, 64)
			Ω(err).Should(Succeed())
			Ω(endpoint).Should(Equal(srvMock.URL() + "/upload/session/rel"))
		})
	})

	Context("error path", func() {
		It("should fail when the response carries no endpoint", func() {
			srvMock.AddMocks(mocha.Request().
				URL(expect.URLPath("/upload")).Method(http.MethodPost).
				Reply(reply.OK()),
			)

			_, err := testClient.NegotiateSession(context.Background(), Metadata{"title": "t"}, 64)
			Ω(err).Should(MatchError(ErrNegotiation))
		})
		It("should fail on a non-success response without retrying", func() {
			srvMock.AddMocks(mocha.Request().
				URL(expect.URLPath("/upload")).Method(http.MethodPost).
				Reply(reply.InternalServerError()),
			)

			_, err := testClient.NegotiateSession(context.Background(), Metadata{"title": "t"}, 64)
			Ω(err).Should(MatchError(ErrNegotiation))
		})
		It("should reject a non-positive total size", func() {
			_, err := testClient.NegotiateSession(context.Background(), Metadata{"title": "t"}, 0)
			Ω(err).Should(MatchError(ErrNegotiation))
		})
	})
})
