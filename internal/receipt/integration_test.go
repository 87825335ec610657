package receipt_test

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-ocr/internal/preprocess"
	"github.com/zombor/receipt-ocr/internal/receipt"
	"github.com/zombor/receipt-ocr/internal/scanning"
)

// sequenceEngine returns one text per recognition call, repeating the last.
type sequenceEngine struct {
	mu    sync.Mutex
	texts []string
	calls int
}

func (e *sequenceEngine) Name() string      { return "sequence" }
func (e *sequenceEngine) Initialize() error { return nil }
func (e *sequenceEngine) Release() error    { return nil }

func (e *sequenceEngine) Recognize(imagePath string) (string, error) {
	if _, err := os.Stat(imagePath); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	i := min(e.calls, len(e.texts)-1)
	e.calls++
	return e.texts[i], nil
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func photo() []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 160, 240))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	for y := 40; y < 200; y += 20 {
		draw.Draw(img, image.Rect(20, y, 140, y+6), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
	}
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Integration", func() {
	var (
		tempDir  string
		scratch  string
		db       *receipt.BoltDB
		store    *receipt.LocalStorage
		engine   *sequenceEngine
		pipeline *scanning.Pipeline
		ghServer *ghttp.Server
	)

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()
		scratch = filepath.Join(tempDir, "scratch")
		Expect(os.MkdirAll(scratch, 0o755)).To(Succeed())

		var err error
		db, err = receipt.NewBoltDB(filepath.Join(tempDir, "test.db"))
		Expect(err).NotTo(HaveOccurred())
		store, err = receipt.NewLocalStorage(filepath.Join(tempDir, "receipts"))
		Expect(err).NotTo(HaveOccurred())

		// The first pass reads nothing useful, the rotated pass reads the receipt.
		engine = &sequenceEngine{texts: []string{"7", "STORE X\nTOTAL: $42.50\n01/15/2024"}}

		opts := preprocess.DefaultOptions()
		opts.ScratchDir = scratch
		opts.MinHeight = 0
		pipeline = scanning.NewPipeline(
			scanning.EngineFactory(engine),
			preprocess.New(opts),
			scanning.DefaultConfig(),
			scanning.WithTimeSource(fixedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))),
		)

		service := receipt.NewService(db, pipeline, store)
		server := receipt.NewServer(service, receipt.BasicAuth{})
		ghServer = ghttp.NewServer()
		for range 4 {
			ghServer.AppendHandlers(server.Handler().ServeHTTP)
		}
	})

	AfterEach(func() {
		ghServer.Close()
		Expect(pipeline.Close()).To(Succeed())
		Expect(db.Close()).To(Succeed())
	})

	It("scans an upload, confirms it and serves the stored file", func() {
		upload := photo()

		// --- Step 1: scan ---
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		Expect(writer.WriteField("mode", "enhanced")).To(Succeed())
		Expect(writer.WriteField("multipass", "true")).To(Succeed())
		part, err := writer.CreateFormFile("file", "receipt.png")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(upload)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(ghServer.URL()+"/api/receipts/scan", writer.FormDataContentType(), body)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		var scanned receipt.ScanResult
		Expect(json.NewDecoder(resp.Body).Decode(&scanned)).To(Succeed())
		Expect(scanned.OCR.Pass).To(Equal(2))
		Expect(scanned.OCR.Rotation).To(Equal(90))
		Expect(scanned.Receipt.Title).To(Equal("STORE X"))
		Expect(scanned.Receipt.Amount).To(Equal(int64(4250)))
		Expect(scanned.Receipt.Date).To(Equal(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)))
		Expect(engine.calls).To(Equal(2))

		// Preprocessed artifacts do not outlive the scan.
		Expect(os.ReadDir(scratch)).To(BeEmpty())

		stored, err := db.GetReceipt(scanned.Receipt.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.ScanMode).To(Equal("enhanced"))

		// --- Step 2: confirm with a corrected title ---
		confirm := `{"id":"` + scanned.Receipt.ID + `","title":"Store X Pharmacy","date":"2024-01-15","amount":"42.50"}`
		saveResp, err := http.Post(ghServer.URL()+"/api/receipts", "application/json", strings.NewReader(confirm))
		Expect(err).NotTo(HaveOccurred())
		saveResp.Body.Close()
		Expect(saveResp.StatusCode).To(Equal(http.StatusOK))

		stored, err = db.GetReceipt(scanned.Receipt.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Title).To(Equal("Store X Pharmacy"))
		Expect(stored.NeedsReview).To(BeFalse())

		// --- Step 3: the original upload is kept ---
		fileResp, err := http.Get(ghServer.URL() + "/api/receipts/" + scanned.Receipt.ID + "/file")
		Expect(err).NotTo(HaveOccurred())
		defer fileResp.Body.Close()
		Expect(fileResp.Header.Get("Content-Type")).To(Equal("image/png"))
		served, err := io.ReadAll(fileResp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(served).To(Equal(upload))

		// --- Step 4: delete ---
		req, err := http.NewRequest(http.MethodDelete, ghServer.URL()+"/api/receipts/"+scanned.Receipt.ID, nil)
		Expect(err).NotTo(HaveOccurred())
		delResp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		delResp.Body.Close()
		Expect(delResp.StatusCode).To(Equal(http.StatusNoContent))
		Expect(store.Get(scanned.Receipt.Filename)).Error().To(MatchError(receipt.ErrNotFound))
	})
})
