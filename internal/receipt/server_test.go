package receipt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

// multipartBody builds an upload with one file part
func multipartBody(field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, filename))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(header)
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

func decodeBody(resp *http.Response, v any) {
	defer resp.Body.Close()
	Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
}

var _ = Describe("Server", func() {
	var (
		recognizer  *mockRecognizer
		opts        Options
		cfg         ServerConfig
		server      *Server
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		recognizer = newMockRecognizer()
		opts = Options{}
		cfg = ServerConfig{}
	})

	JustBeforeEach(func() {
		service := NewServiceWithDeps(recognizer, opts, &mockIDGenerator{id: "scan-1"}, &mockTimeSource{})
		server = NewServerWithMux(service, cfg, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	Describe("handleHealth", func() {
		It("should report ok", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/health")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body map[string]string
			decodeBody(resp, &body)
			Expect(body).To(HaveKeyWithValue("status", "ok"))
			Expect(body).To(HaveKey("timestamp"))
		})

		When("basic auth is configured", func() {
			BeforeEach(func() {
				cfg.BasicAuth = BasicAuth{Username: "admin", Password: "secret"}
			})

			It("should not require credentials", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/health")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				resp.Body.Close()
			})
		})
	})

	Describe("handleExtractReceipt", func() {
		var (
			field       string
			filename    string
			contentType string
			data        []byte
			username    string
			password    string
			resp        *http.Response
		)

		BeforeEach(func() {
			field = "image"
			filename = "receipt.jpg"
			contentType = "image/jpeg"
			data = []byte("fake image data")
			username = ""
			password = ""
		})

		JustBeforeEach(func() {
			body, formType := multipartBody(field, filename, contentType, data)
			req, err := http.NewRequest(http.MethodPost, ghttpServer.URL()+"/api/receipts/extract", body)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", formType)
			if username != "" {
				req.SetBasicAuth(username, password)
			}
			resp, err = http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			resp.Body.Close()
		})

		When("the image is scanned", func() {
			It("should return the extracted fields", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var scan Scan
				decodeBody(resp, &scan)
				Expect(scan.ID).To(Equal("scan-1"))
				Expect(scan.Filename).To(Equal("receipt.jpg"))
				Expect(scan.Result.Date).To(Equal("2024-03-15"))
				Expect(scan.Result.Amount).To(HaveValue(Equal(int64(4500))))
				Expect(scan.Missing).To(BeEmpty())
			})

			It("should tag the response with a request ID", func() {
				Expect(resp.Header.Get(requestIDHeader)).NotTo(BeEmpty())
			})

			It("should set CORS headers", func() {
				Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			})
		})

		When("the file is sent under the file field", func() {
			BeforeEach(func() {
				field = "file"
			})

			It("should accept it", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			})
		})

		When("the part has no content type", func() {
			BeforeEach(func() {
				filename = "receipt.png"
				contentType = ""
			})

			It("should infer it from the filename", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(recognizer.contentTypes).To(Equal([]string{"image/png"}))
			})
		})

		When("no file is sent", func() {
			BeforeEach(func() {
				field = "other"
			})

			It("should return Bad Request", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				var body map[string]string
				decodeBody(resp, &body)
				Expect(body["error"]).To(Equal("No image file provided"))
			})
		})

		When("the file is empty", func() {
			BeforeEach(func() {
				data = []byte{}
			})

			It("should return Bad Request", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the file type is unsupported", func() {
			BeforeEach(func() {
				filename = "notes.txt"
				contentType = "text/plain"
			})

			It("should return Unsupported Media Type", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusUnsupportedMediaType))
				var body map[string]string
				decodeBody(resp, &body)
				Expect(body["error"]).To(ContainSubstring("Invalid file type"))
			})
		})

		When("the file exceeds the size limit", func() {
			BeforeEach(func() {
				opts.MaxFileSize = 8
			})

			It("should return Request Entity Too Large", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusRequestEntityTooLarge))
				Expect(recognizer.callCount()).To(BeZero())
			})
		})

		When("the recognizer fails", func() {
			BeforeEach(func() {
				recognizer.err = errors.New("provider down")
			})

			It("should return Bad Gateway", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				var body map[string]string
				decodeBody(resp, &body)
				Expect(body["error"]).To(Equal("Failed to extract text from image"))
			})
		})

		When("basic auth is configured", func() {
			BeforeEach(func() {
				cfg.BasicAuth = BasicAuth{Username: "admin", Password: "secret"}
			})

			When("no credentials are sent", func() {
				It("should return Unauthorized", func() {
					Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
					Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
					Expect(recognizer.callCount()).To(BeZero())
				})
			})

			When("wrong credentials are sent", func() {
				BeforeEach(func() {
					username = "admin"
					password = "wrong"
				})

				It("should return Unauthorized", func() {
					Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				})
			})

			When("valid credentials are sent", func() {
				BeforeEach(func() {
					username = "admin"
					password = "secret"
				})

				It("should scan the receipt", func() {
					Expect(resp.StatusCode).To(Equal(http.StatusOK))
				})
			})
		})
	})

	Describe("handleExtractReceipt with an oversized body", func() {
		BeforeEach(func() {
			opts.MaxFileSize = 1
		})

		It("should return Request Entity Too Large", func() {
			body, formType := multipartBody("image", "big.jpg", "image/jpeg", bytes.Repeat([]byte("x"), 2<<20))
			req := httptest.NewRequest(http.MethodPost, "/api/receipts/extract", body)
			req.Header.Set("Content-Type", formType)
			rec := httptest.NewRecorder()

			server.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusRequestEntityTooLarge))
			Expect(recognizer.callCount()).To(BeZero())
		})
	})

	Describe("handleParseText", func() {
		var (
			payload string
			resp    *http.Response
		)

		BeforeEach(func() {
			payload = `{"raw_text": "2024년 3월 5일\n편의점\n합계 1,200원"}`
		})

		JustBeforeEach(func() {
			var err error
			resp, err = http.Post(ghttpServer.URL()+"/api/receipts/parse", "application/json", strings.NewReader(payload))
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			resp.Body.Close()
		})

		It("should return the extracted fields", func() {
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body parseResponse
			decodeBody(resp, &body)
			Expect(body.Result.Date).To(Equal("2024-03-05"))
			Expect(body.Result.Description).To(Equal("2024년 3월 5일"))
			Expect(body.Result.Amount).To(HaveValue(Equal(int64(1200))))
			Expect(body.Missing).To(BeEmpty())
			Expect(recognizer.callCount()).To(BeZero())
		})

		When("the text has no fields", func() {
			BeforeEach(func() {
				payload = `{"raw_text": ""}`
			})

			It("should list every field as missing", func() {
				var body parseResponse
				decodeBody(resp, &body)
				Expect(body.Missing).To(Equal([]string{"date", "description", "amount"}))
			})
		})

		When("the body is not JSON", func() {
			BeforeEach(func() {
				payload = "not json"
			})

			It("should return Bad Request", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("corsMiddleware", func() {
		var resp *http.Response

		BeforeEach(func() {
			cfg.AllowedOrigin = "https://app.example.com"
		})

		JustBeforeEach(func() {
			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/receipts/extract", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err = http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			resp.Body.Close()
		})

		It("should answer preflight requests", func() {
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("https://app.example.com"))
			Expect(resp.Header.Get("Access-Control-Allow-Credentials")).To(Equal("true"))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("POST"))
		})
	})

	Describe("Start", func() {
		When("the context is cancelled", func() {
			var addr string

			BeforeEach(func() {
				listener, err := net.Listen("tcp", "127.0.0.1:0")
				Expect(err).NotTo(HaveOccurred())
				addr = listener.Addr().String()
				Expect(listener.Close()).To(Succeed())
			})

			It("serves requests and then shuts down cleanly", func() {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()

				done := make(chan error, 1)
				go func() {
					done <- server.Start(ctx, addr)
				}()

				Eventually(func() (int, error) {
					resp, err := http.Get("http://" + addr + "/api/health")
					if err != nil {
						return 0, err
					}
					resp.Body.Close()
					return resp.StatusCode, nil
				}).Should(Equal(http.StatusOK))

				cancel()
				Eventually(done).Should(Receive(BeNil()))
			})
		})

		When("the address is already in use", func() {
			var listener net.Listener

			BeforeEach(func() {
				var err error
				listener, err = net.Listen("tcp", "127.0.0.1:0")
				Expect(err).NotTo(HaveOccurred())
			})

			AfterEach(func() {
				listener.Close()
			})

			It("returns the listen error", func() {
				err := server.Start(context.Background(), listener.Addr().String())
				Expect(err).To(MatchError(ContainSubstring("address already in use")))
			})
		})
	})

	Describe("authenticate", func() {
		It("rejects malformed credentials", func() {
			s := &Server{basicAuth: BasicAuth{Username: "admin", Password: "secret"}}
			req, err := http.NewRequest(http.MethodGet, "/", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("nocolon")))
			Expect(s.authenticate(req)).To(BeFalse())
		})
	})
})
