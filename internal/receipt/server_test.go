package receipt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-ocr/internal/scanning"
)

// multipartUpload builds a scan request body with the given form fields.
func multipartUpload(filename, contentType string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		Expect(w.WriteField(k, v)).To(Succeed())
	}
	if filename != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
		if contentType != "" {
			h.Set("Content-Type", contentType)
		}
		part, err := w.CreatePart(h)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
	}
	Expect(w.Close()).To(Succeed())
	return body, w.FormDataContentType()
}

func decodeJSON(resp *http.Response, v any) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	Expect(json.Unmarshal(body, v)).To(Succeed(), string(body))
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		scanner     *mockScanner
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		scanner = newMockScanner()
		auth = BasicAuth{}
	})

	// The server is built after the BeforeEach blocks so that nested
	// contexts can change its collaborators.
	JustBeforeEach(func() {
		service := NewService(db, scanner, storage)
		server := NewServer(service, auth)
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.Handler().ServeHTTP)
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	do := func(method, path string, body io.Reader, contentType string) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if auth.Username != "" {
			req.SetBasicAuth(auth.Username, auth.Password)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	Describe("GET /healthz", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("answers without credentials", func() {
			resp, err := http.Get(ghttpServer.URL() + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("GET /metrics", func() {
		It("exposes Prometheus metrics", func() {
			resp := do("GET", "/metrics", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("go_goroutines"))
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		When("credentials are missing", func() {
			It("returns 401 with a challenge", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/receipts")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(resp.Header.Get("WWW-Authenticate")).To(Equal(`Basic realm="Receipt OCR"`))
				Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			})
		})

		When("credentials are wrong", func() {
			It("returns 401", func() {
				req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/receipts", nil)
				Expect(err).NotTo(HaveOccurred())
				req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:wrong")))
				resp, err := http.DefaultClient.Do(req)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			})
		})

		When("credentials are correct", func() {
			It("serves the request", func() {
				resp := do("GET", "/api/receipts", nil, "")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			})
		})
	})

	Describe("CORS preflight", func() {
		It("answers OPTIONS with 204 and CORS headers", func() {
			resp := do("OPTIONS", "/api/receipts/scan", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("POST"))
		})
	})

	Describe("POST /api/receipts/scan", func() {
		var (
			filename string
			ct       string
			fields   map[string]string
			resp     *http.Response
		)

		BeforeEach(func() {
			filename = "receipt.jpg"
			ct = "image/jpeg"
			fields = map[string]string{}
		})

		JustBeforeEach(func() {
			body, formCT := multipartUpload(filename, ct, []byte("fake image"), fields)
			resp = do("POST", "/api/receipts/scan", body, formCT)
		})

		When("the scan succeeds", func() {
			It("returns 201 with the stored receipt and the OCR result", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				var result struct {
					Receipt *Receipt `json:"receipt"`
					OCR     struct {
						Success bool   `json:"success"`
						Text    string `json:"text"`
					} `json:"ocr"`
				}
				decodeJSON(resp, &result)
				Expect(result.Receipt.Title).To(Equal("SAFEWAY"))
				Expect(result.Receipt.Amount).To(Equal(int64(2599)))
				Expect(result.OCR.Success).To(BeTrue())
				Expect(db.receipts).To(HaveLen(1))
				Expect(scanner.standardCalls).To(Equal(1))
			})
		})

		When("enhanced multi-pass is requested", func() {
			BeforeEach(func() {
				fields = map[string]string{"mode": "enhanced", "multipass": "true"}
			})

			It("uses the enhanced pipeline", func() {
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(scanner.enhancedCalls).To(Equal(1))
				Expect(scanner.lastMultiPass).To(BeTrue())
			})
		})

		When("the mode is unknown", func() {
			BeforeEach(func() {
				fields = map[string]string{"mode": "turbo"}
			})

			It("returns 400 without scanning", func() {
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(scanner.standardCalls + scanner.enhancedCalls).To(BeZero())
			})
		})

		When("no file is uploaded", func() {
			BeforeEach(func() {
				filename = ""
			})

			It("returns 400", func() {
				var body map[string]string
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				decodeJSON(resp, &body)
				Expect(body["error"]).To(ContainSubstring("No file"))
			})
		})

		When("the part has no content type", func() {
			BeforeEach(func() {
				filename = "IMG_0001.HEIC"
				ct = ""
			})

			It("derives it from the extension", func() {
				resp.Body.Close()
				Expect(scanner.lastImage.ContentType).To(Equal("image/heic"))
			})
		})

		When("no text is recognized", func() {
			BeforeEach(func() {
				scanner.result = &scanning.OcrResult{Error: "no text recognized", Pass: 1}
			})

			It("returns 422 with the OCR result", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
				var body struct {
					Error string              `json:"error"`
					OCR   *scanning.OcrResult `json:"ocr"`
				}
				decodeJSON(resp, &body)
				Expect(body.Error).To(Equal("no text recognized"))
				Expect(body.OCR.Success).To(BeFalse())
				Expect(db.receipts).To(BeEmpty())
			})
		})
	})

	Describe("scan failures", func() {
		DescribeTable("map to status codes",
			func(err error, status int) {
				scanner.result = &scanning.OcrResult{Error: "failed"}
				scanner.err = err
				body, formCT := multipartUpload("receipt.jpg", "image/jpeg", []byte("x"), nil)
				resp := do("POST", "/api/receipts/scan", body, formCT)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(status))
				Expect(storage.files).To(BeEmpty())
				Expect(db.receipts).To(BeEmpty())
			},
			Entry("timeout", &scanning.Error{Kind: scanning.KindTimeout, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout),
			Entry("engine unavailable", &scanning.Error{Kind: scanning.KindInitialization}, http.StatusServiceUnavailable),
			Entry("scanner shut down", &scanning.Error{Kind: scanning.KindClosed}, http.StatusServiceUnavailable),
			Entry("unreadable image", &scanning.Error{Kind: scanning.KindExhausted, Err: &scanning.Error{Kind: scanning.KindDecode}}, http.StatusUnprocessableEntity),
			Entry("unclassified", io.ErrUnexpectedEOF, http.StatusInternalServerError),
		)
	})

	Describe("POST /api/receipts", func() {
		var (
			payload string
			resp    *http.Response
		)

		JustBeforeEach(func() {
			resp = do("POST", "/api/receipts", strings.NewReader(payload), "application/json")
		})

		When("creating a manual receipt", func() {
			BeforeEach(func() {
				payload = `{"title":"Pharmacy","date":"2024-05-20","amount":"12.30"}`
			})

			It("returns 201 with the receipt", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				var receipt Receipt
				decodeJSON(resp, &receipt)
				Expect(receipt.Amount).To(Equal(int64(1230)))
				Expect(receipt.ID).NotTo(BeEmpty())
			})
		})

		When("confirming a scanned receipt", func() {
			BeforeEach(func() {
				db.receipts["abc"] = &Receipt{ID: "abc", NeedsReview: true}
				payload = `{"id":"abc","title":"Pharmacy","date":"2024-05-20","amount":"12.30"}`
			})

			It("returns 200 and clears the review flag", func() {
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(db.receipts["abc"].NeedsReview).To(BeFalse())
			})
		})

		When("the receipt to confirm does not exist", func() {
			BeforeEach(func() {
				payload = `{"id":"missing","title":"Pharmacy","date":"2024-05-20","amount":"12.30"}`
			})

			It("returns 404", func() {
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})

		When("the input is invalid", func() {
			BeforeEach(func() {
				payload = `{"title":"Pharmacy","date":"yesterday","amount":"12.30"}`
			})

			It("returns 400", func() {
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the body is not JSON", func() {
			BeforeEach(func() {
				payload = `not json`
			})

			It("returns 400", func() {
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("GET /api/receipts", func() {
		When("no receipts exist", func() {
			It("returns an empty array", func() {
				resp := do("GET", "/api/receipts", nil, "")
				defer resp.Body.Close()
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(strings.TrimSpace(string(body))).To(Equal("[]"))
			})
		})

		When("receipts exist", func() {
			BeforeEach(func() {
				db.receipts["id1"] = &Receipt{ID: "id1", Title: "Test 1"}
				db.receipts["id2"] = &Receipt{ID: "id2", Title: "Test 2"}
			})

			It("returns all receipts as JSON", func() {
				resp := do("GET", "/api/receipts", nil, "")
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
				var receipts []*Receipt
				decodeJSON(resp, &receipts)
				Expect(receipts).To(HaveLen(2))
			})
		})
	})

	Describe("GET /api/receipts/{id}", func() {
		BeforeEach(func() {
			db.receipts["id1"] = &Receipt{ID: "id1", Title: "Test 1"}
		})

		It("returns the receipt", func() {
			var receipt Receipt
			decodeJSON(do("GET", "/api/receipts/id1", nil, ""), &receipt)
			Expect(receipt.Title).To(Equal("Test 1"))
		})

		It("returns 404 for unknown IDs", func() {
			resp := do("GET", "/api/receipts/nope", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /api/receipts/{id}/file", func() {
		BeforeEach(func() {
			db.receipts["id1"] = &Receipt{ID: "id1", Filename: "id1_receipt.png", ContentType: "image/png"}
			storage.files["id1_receipt.png"] = []byte("png bytes")
		})

		It("returns the file with its content type", func() {
			resp := do("GET", "/api/receipts/id1/file", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("png bytes"))
		})
	})

	Describe("DELETE /api/receipts/{id}", func() {
		BeforeEach(func() {
			db.receipts["id1"] = &Receipt{ID: "id1", Filename: "id1_receipt.png"}
			storage.files["id1_receipt.png"] = []byte("png bytes")
		})

		It("removes the receipt and its file", func() {
			resp := do("DELETE", "/api/receipts/id1", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(db.receipts).To(BeEmpty())
			Expect(storage.files).To(BeEmpty())
		})

		It("returns 404 for unknown IDs", func() {
			resp := do("DELETE", "/api/receipts/nope", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})
