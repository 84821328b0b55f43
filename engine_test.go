package vidup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2/dsl/core"
	. "github.com/onsi/gomega"
	"github.com/vitorsalgado/mocha/v3"
	"github.com/vitorsalgado/mocha/v3/expect"
	"github.com/vitorsalgado/mocha/v3/params"
	"github.com/vitorsalgado/mocha/v3/reply"
)

// mockUploadServer plays back scripted replies for chunk PUTs, accumulating
// accepted bytes the way the platform tracks its contiguous offset.
type mockUploadServer struct {
	requests []*http.Request
	bodies   [][]byte
	replies  []*reply.StdReply
	buf      *bytes.Buffer

	onRequest func(n int)
}

func newMockUploadServer(replies ...*reply.StdReply) *mockUploadServer {
	return &mockUploadServer{replies: replies, buf: bytes.NewBuffer(make([]byte, 0))}
}

func (m *mockUploadServer) handler() func(r *http.Request, rm reply.M, p params.P) (*reply.Response, error) {
	return func(r *http.Request, rm reply.M, p params.P) (*reply.Response, error) {
		if len(m.replies) == 0 {
			panic("no more scripted replies left")
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		m.requests = append(m.requests, r)
		m.bodies = append(m.bodies, body)
		resp, err := m.replies[0].Build(r, rm, p)
		if err != nil {
			return resp, err
		}
		m.replies = m.replies[1:]
		if resp.Status == http.StatusPermanentRedirect {
			m.buf.Write(body)
			resp.Header["Range"] = []string{fmt.Sprintf("bytes=0-%d", m.buf.Len()-1)}
		}
		if m.onRequest != nil {
			m.onRequest(len(m.requests))
		}
		return resp, nil
	}
}

func (m *mockUploadServer) contentRanges() []string {
	ranges := make([]string, 0, len(m.requests))
	for _, r := range m.requests {
		ranges = append(ranges, r.Header.Get("Content-Range"))
	}
	return ranges
}

// eventLog is a thread-safe progress sink for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Progress
}

func (l *eventLog) sink() ProgressFunc {
	return func(p Progress) {
		l.mu.Lock()
		l.events = append(l.events, p)
		l.mu.Unlock()
	}
}

func (l *eventLog) list() []Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Progress(nil), l.events...)
}

func (l *eventLog) percents() []float64 {
	out := make([]float64, 0)
	for _, p := range l.list() {
		out = append(out, p.Percent)
	}
	return out
}

func newTransferringSession(id, endpoint string, total int64) *UploadSession {
	s := newSession(id, Metadata{"title": "t"}, total)
	s.transition(StatusNegotiating)
	s.setEndpoint(endpoint)
	s.transition(StatusTransferring)
	return s
}

const finalResultBody = `{"id": "vid-1", "url": "https://media.example.com/watch/vid-1"}`

var _ = Describe("Engine", func() {
	var srvMock *mocha.Mocha
	var testEngine *Engine
	var events *eventLog
	var endpoint string

	resumable := func() *reply.StdReply { return reply.Status(http.StatusPermanentRedirect) }
	completed := func() *reply.StdReply { return reply.OK().BodyString(finalResultBody) }

	BeforeEach(func() {
		srvMock = mocha.New(GinkgoT())
		srvMock.Start()
		testURL, _ := url.Parse(srvMock.URL() + "/upload")
		events = &eventLog{}
		testEngine = NewEngine(NewClient(http.DefaultClient, testURL, StaticToken("tok-123")), events.sink())
		testEngine.ChunkSize = 256
		testEngine.BaseDelay = time.Millisecond
		endpoint = srvMock.URL() + "/upload/session/abc"
	})
	AfterEach(func() {
		if srvMock != nil {
			srvMock.AssertCalled(GinkgoT())
			Ω(srvMock.Close()).Should(Succeed())
		}
	})

	addChunkMock := func(up *mockUploadServer) {
		srvMock.AddMocks(mocha.Request().
			URL(expect.URLPath("/upload/session/abc")).Method(http.MethodPut).
			Header("Authorization", expect.ToEqual("Bearer tok-123")).
			ReplyFunction(up.handler()),
		)
	}

	Context("happy path", func() {
		It("should send every chunk in order with byte-range framing", func() {
			up := newMockUploadServer(resumable(), resumable(), resumable(), completed())
			addChunkMock(up)
			data, _ := io.ReadAll(io.LimitReader(rand.New(rand.NewSource(time.Now().UnixNano())), 1024))
			s := newTransferringSession("u1", endpoint, 1024)

			Ω(testEngine.Transfer(context.Background(), s, bytes.NewReader(data))).Should(Succeed())

			snap := s.Snapshot()
			Ω(snap.Status).Should(Equal(StatusCompleted))
			Ω(snap.BytesTransferred).Should(Equal(int64(1024)))
			Ω(snap.Result).ShouldNot(BeNil())
			Ω(snap.Result.ID).Should(Equal("vid-1"))

			Ω(up.contentRanges()).Should(Equal([]string{
				"bytes 0-255/1024", "bytes 256-511/1024", "bytes 512-767/1024", "bytes 768-1023/1024",
			}))
			Ω(bytes.Join(up.bodies, nil)).Should(Equal(data))
			for _, r := range up.requests {
				Ω(r.ContentLength).Should(Equal(int64(256)))
			}
			Ω(events.percents()).Should(Equal([]float64{0, 25, 50, 75, 100}))
		})

		It("should clamp the final chunk to the declared size", func() {
			up := newMockUploadServer(resumable(), completed())
			addChunkMock(up)
			data, _ := io.ReadAll(io.LimitReader(rand.New(rand.NewSource(time.Now().UnixNano())), 300))
			s := newTransferringSession("u1", endpoint, 300)

			Ω(testEngine.Transfer(context.Background(), s, bytes.NewReader(data))).Should(Succeed())
			Ω(up.contentRanges()).Should(Equal([]string{"bytes 0-255/300", "bytes 256-299/300"}))
			Ω(up.requests[1].ContentLength).Should(Equal(int64(44)))
		})

		It("should stop when the server reports completion early", func() {
			up := newMockUploadServer(resumable(), completed())
			addChunkMock(up)
			data, _ := io.ReadAll(io.LimitReader(rand.New(rand.NewSource(time.Now().UnixNano())), 1024))
			s := newTransferringSession("u1", endpoint, 1024)

			Ω(testEngine.Transfer(context.Background(), s, bytes.NewReader(data))).Should(Succeed())

			// The remote is authoritative even mid-way.
			snap := s.Snapshot()
			Ω(snap.Status).Should(Equal(StatusCompleted))
			Ω(snap.BytesTransferred).Should(Equal(int64(512)))
			Ω(len(up.requests)).Should(Equal(2))
		})

		It("should retry a chunk after a transient server error", func() {
			up := newMockUploadServer(resumable(), reply.InternalServerError(), resumable(), resumable(), completed())
			addChunkMock(up)
			data, _ := io.ReadAll(io.LimitReader(rand.New(rand.NewSource(time.Now().UnixNano())), 1024))
			s := newTransferringSession("u1", endpoint, 1024)

			Ω(testEngine.Transfer(context.Background(), s, bytes.NewReader(data))).Should(Succeed())
			Ω(s.Snapshot().Status).Should(Equal(StatusCompleted))
			Ω(len(up.requests)).Should(Equal(5))
			// The retried chunk carries the same range as the failed attempt.
			Ω(up.contentRanges()[1]).Should(Equal(up.contentRanges()[2]))
		})
	})

	Context("error path", func() {
		It("should fail the session after retries are exhausted", func() {
			up := newMockUploadServer(
				reply.InternalServerError(), reply.InternalServerError(),
				reply.InternalServerError(), reply.InternalServerError(),
			)
			addChunkMock(up)
			data, _ := io.ReadAll(io.LimitReader(rand.New(rand.NewSource(time.Now().UnixNano())), 1024))
			s := newTransferringSession("u1", endpoint, 1024)

			err := testEngine.Transfer(context.Background(), s, bytes.NewReader(data))
			Ω(err).Should(MatchError(ErrRetriesExceeded))
			Ω(err).Should(MatchError(ErrTransient))

			// 1 initial attempt + 3 retries, all for the first chunk.
			Ω(len(up.requests)).Should(Equal(4))
			snap := s.Snapshot()
			Ω(snap.Status).Should(Equal(StatusFailed))
			Ω(snap.BytesTransferred).Should(Equal(int64(0)))
			Ω(snap.Error).ShouldNot(BeEmpty())
		})

		It("should not retry a client error", func() {
			up := newMockUploadServer(reply.Status(http.StatusForbidden))
			addChunkMock(up)
			data, _ := io.ReadAll(io.LimitReader(rand.New(rand.NewSource(time.Now().UnixNano())), 1024))
			s := newTransferringSession("u1", endpoint, 1024)

			err := testEngine.Transfer(context.Background(), s, bytes.NewReader(data))
			Ω(err).Should(MatchError(ErrRejected))
			Ω(len(up.requests)).Should(Equal(1))
			Ω(s.Snapshot().Status).Should(Equal(StatusFailed))
		})

		It("should treat an unexpected 2xx as a protocol violation", func() {
			up := newMockUploadServer(reply.NoContent())
			addChunkMock(up)
			data, _ := io.ReadAll(io.LimitReader(rand.New(rand.NewSource(time.Now().UnixNano())), 1024))
			s := newTransferringSession("u1", endpoint, 1024)

			err := testEngine.Transfer(context.Background(), s, bytes.NewReader(data))
			Ω(err).Should(MatchError(ErrProtocol))
			Ω(len(up.requests)).Should(Equal(1))
		})

		It("should fail when the source ends before the declared size", func() {
			s := newTransferringSession("u1", endpoint, 1024)
			err := testEngine.Transfer(context.Background(), s, bytes.NewReader(make([]byte, 100)))
			Ω(err).Should(MatchError(io.ErrUnexpectedEOF))
			Ω(s.Snapshot().Status).Should(Equal(StatusFailed))
		})
	})

	Context("cancellation", func() {
		It("should observe the flag between chunks and keep only acknowledged bytes", func() {
			up := newMockUploadServer(resumable())
			s := newTransferringSession("u1", endpoint, 1280)
			up.onRequest = func(int) { s.RequestCancel() }
			addChunkMock(up)
			data, _ := io.ReadAll(io.LimitReader(rand.New(rand.NewSource(time.Now().UnixNano())), 1280))

			err := testEngine.Transfer(context.Background(), s, bytes.NewReader(data))
			Ω(err).Should(MatchError(ErrCancelled))

			// Chunk 1 of 5 was acknowledged; the partial chunk 2 never counts.
			snap := s.Snapshot()
			Ω(snap.Status).Should(Equal(StatusCancelled))
			Ω(snap.BytesTransferred).Should(Equal(int64(256)))
			Ω(len(up.requests)).Should(Equal(1))
		})

		It("should observe context cancellation as a cancel, not a failure", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			s := newTransferringSession("u1", endpoint, 1024)

			err := testEngine.Transfer(ctx, s, bytes.NewReader(make([]byte, 1024)))
			Ω(err).Should(MatchError(ErrCancelled))
			Ω(s.Snapshot().Status).Should(Equal(StatusCancelled))
		})
	})

	Context("resume", func() {
		It("should reconcile the offset with the server before sending", func() {
			data, _ := io.ReadAll(io.LimitReader(rand.New(rand.NewSource(time.Now().UnixNano())), 1024))
			up := newMockUploadServer(resumable(), resumable(), completed())
			up.buf.Write(data[:512]) // server already holds the first two chunks
			addChunkMock(up)
			s := newTransferringSession("u1", endpoint, 1024)
			s.advance(512)

			Ω(testEngine.Transfer(context.Background(), s, bytes.NewReader(data[512:]))).Should(Succeed())

			Ω(up.contentRanges()).Should(Equal([]string{
				"bytes */1024", "bytes 512-767/1024", "bytes 768-1023/1024",
			}))
			Ω(up.bodies[0]).Should(BeEmpty())
			Ω(s.Snapshot().Status).Should(Equal(StatusCompleted))
		})

		It("should fail when the server offset disagrees with the session", func() {
			data, _ := io.ReadAll(io.LimitReader(rand.New(rand.NewSource(time.Now().UnixNano())), 1024))
			up := newMockUploadServer(resumable())
			up.buf.Write(data[:256]) // server holds one chunk, session thinks two
			addChunkMock(up)
			s := newTransferringSession("u1", endpoint, 1024)
			s.advance(512)

			err := testEngine.Transfer(context.Background(), s, bytes.NewReader(data[512:]))
			Ω(err).Should(MatchError(ErrOffsetsNotSynced))
			Ω(s.Snapshot().Status).Should(Equal(StatusFailed))
		})
	})
})
