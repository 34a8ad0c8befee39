package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/go-pkgz/lgr"
	"github.com/iliafrenkel/go-haste/src/keygen"
	"github.com/iliafrenkel/go-haste/src/notify"
	"github.com/iliafrenkel/go-haste/src/service"
	"github.com/iliafrenkel/go-haste/src/store"
)

var (
	webSrv *Server
	svc    *service.Service
	irc    = &fakeMessenger{}
)

type fakeMessenger struct {
	sync.Mutex
	sent []string
}

func (f *fakeMessenger) Say(channel, text string) error {
	f.Lock()
	defer f.Unlock()
	f.sent = append(f.sent, channel+" "+text)
	return nil
}

// TestMain is a setup function for the test suite. It creates a new Server
// with options suitable for testing.
func TestMain(m *testing.M) {
	log := lgr.New(lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces)

	svc = service.New(store.NewMemDB(0), keygen.NewRandom(""), log, service.Options{MaxLength: 400000})
	n := notify.NewNotifier(svc, irc, "http://localhost:7777", []string{"haste"}, log)
	webSrv = New(log, svc, n, ServerOptions{
		Addr:        "localhost:7777",
		LogMode:     "debug",
		MaxBodySize: 4096,
		Version:     "test",
	})

	os.Exit(m.Run())
}

func serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	webSrv.router.ServeHTTP(w, req)
	return w
}

// postDocument creates a document with a raw body and returns the
// response.
func postDocument(t *testing.T, body string, hdr map[string]string) DocumentResponse {
	t.Helper()

	req, _ := http.NewRequest("POST", "/docs", strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := serve(req)
	if w.Code != http.StatusOK {
		t.Fatalf("Status should be %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var dr DocumentResponse
	if err := json.NewDecoder(w.Body).Decode(&dr); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if dr.Key == "" {
		t.Fatal("Response should have a key")
	}
	return dr
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) HTTPError {
	t.Helper()

	var e HTTPError
	if err := json.NewDecoder(w.Body).Decode(&e); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if e.Code != w.Code {
		t.Errorf("Error code should be %d, got %d", w.Code, e.Code)
	}
	return e
}

func TestPostDocumentRaw(t *testing.T) {
	t.Parallel()

	dr := postDocument(t, "# Title", map[string]string{
		"Content-Type":   "text/markdown",
		"X-Haste-Name":   "readme.md",
		"X-Haste-Expire": "1h",
	})
	if dr.Metadata.Key != dr.Key {
		t.Errorf("Metadata key should be %s, got %s", dr.Key, dr.Metadata.Key)
	}
	if dr.Metadata.Name != "readme.md" || dr.Metadata.Syntax != "md" {
		t.Errorf("Metadata should have name readme.md and syntax md, got %+v", dr.Metadata)
	}
	if dr.Metadata.Mimetype != "text/markdown" {
		t.Errorf("Mimetype should be text/markdown, got %s", dr.Metadata.Mimetype)
	}
	if dr.Metadata.Size != 7 {
		t.Errorf("Size should be 7, got %d", dr.Metadata.Size)
	}
	if dr.Metadata.Expire == 0 {
		t.Error("Document should have an expiry")
	}
}

func TestPostDocumentFormEncoded(t *testing.T) {
	t.Parallel()

	dr := postDocument(t, "a=b&c=d", map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	if dr.Metadata.Mimetype != "text/plain" {
		t.Errorf("Mimetype should be text/plain, got %s", dr.Metadata.Mimetype)
	}
	c, err := svc.Get(dr.Key, service.ReadRequest{})
	if err != nil {
		t.Fatalf("failed to get document: %v", err)
	}
	if string(c.Payload) != "a=b&c=d" {
		t.Errorf("Payload should be the raw body, got [%s]", c.Payload)
	}
}

func TestPostDocumentMultipart(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("data", "Test body")
	_ = mw.WriteField("name", "notes.txt")
	_ = mw.WriteField("onetime", "true")
	_ = mw.Close()

	req, _ := http.NewRequest("POST", "/docs?syntax=plain", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := serve(req)
	if w.Code != http.StatusOK {
		t.Fatalf("Status should be %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var dr DocumentResponse
	_ = json.NewDecoder(w.Body).Decode(&dr)
	if dr.Metadata.Name != "notes.txt" || dr.Metadata.Syntax != "plain" || !dr.Metadata.Onetime {
		t.Errorf("Metadata should come from the form and the query, got %+v", dr.Metadata)
	}
}

func TestPostDocumentMultipartFile(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("data", "main.go")
	_, _ = fw.Write([]byte("package main"))
	_ = mw.Close()

	req, _ := http.NewRequest("POST", "/docs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := serve(req)
	if w.Code != http.StatusOK {
		t.Fatalf("Status should be %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var dr DocumentResponse
	_ = json.NewDecoder(w.Body).Decode(&dr)
	if dr.Metadata.Name != "main.go" || dr.Metadata.Syntax != "go" || dr.Metadata.Size != 12 {
		t.Errorf("Metadata should come from the file, got %+v", dr.Metadata)
	}
}

func TestPostDocumentErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		hdr  map[string]string
		want string
	}{
		{"empty body", "", nil, "body is empty"},
		{"wrong expiration", "Test body", map[string]string{"X-Haste-Expire": "1,3z"}, "wrong duration format"},
		{"too large", strings.Repeat("x", 5000), nil, "must not be larger than 4096 bytes"},
		{"malformed multipart", "garbage", map[string]string{"Content-Type": "multipart/form-data; boundary=xyz"}, "malformed request"},
		{"multipart without boundary", "garbage", map[string]string{"Content-Type": "multipart/form-data"}, "malformed request"},
	}
	for _, tc := range tests {
		req, _ := http.NewRequest("POST", "/docs", strings.NewReader(tc.body))
		for k, v := range tc.hdr {
			req.Header.Set(k, v)
		}
		w := serve(req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: Status should be %d, got %d", tc.name, http.StatusBadRequest, w.Code)
			continue
		}
		e := decodeError(t, w)
		if !strings.Contains(e.Message, tc.want) {
			t.Errorf("%s: Message should contain [%s], got [%s]", tc.name, tc.want, e.Message)
		}
	}
}

func TestGetDocument(t *testing.T) {
	t.Parallel()

	dr := postDocument(t, "Test body", map[string]string{"X-Haste-Name": "test.txt"})

	req, _ := http.NewRequest("GET", "/docs/"+dr.Key+".txt", nil)
	w := serve(req)
	if w.Code != http.StatusOK {
		t.Fatalf("Status should be %d, got %d", http.StatusOK, w.Code)
	}
	if got := w.Body.String(); got != "Test body" {
		t.Errorf("Body should be [Test body], got [%s]", got)
	}

	want := map[string]string{
		"Content-Type":     "text/plain; charset=utf-8",
		"Content-Length":   "9",
		"X-Haste-Key":      dr.Key,
		"X-Haste-Name":     "test.txt",
		"X-Haste-Syntax":   "txt",
		"X-Haste-Size":     "9",
		"X-Haste-Onetime":  "false",
		"X-Haste-Password": "false",
	}
	for k, v := range want {
		if got := w.Header().Get(k); got != v {
			t.Errorf("Header %s should be [%s], got [%s]", k, v, got)
		}
	}
	if w.Header().Get("X-Haste-Expire") != "" {
		t.Error("Header X-Haste-Expire should not be set")
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	t.Parallel()

	for _, method := range []string{"GET", "HEAD"} {
		req, _ := http.NewRequest(method, "/docs/nosuchdocument", nil)
		w := serve(req)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: Status should be %d, got %d", method, http.StatusNotFound, w.Code)
		}
	}
}

func TestGetDocumentUnsupportedMediaType(t *testing.T) {
	t.Parallel()

	dr := postDocument(t, "Test body", nil)
	req, _ := http.NewRequest("GET", "/docs/"+dr.Key, nil)
	req.Header.Set("Accept", "image/png")
	w := serve(req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Status should be %d, got %d", http.StatusUnsupportedMediaType, w.Code)
	}
}

func TestGetDocumentWithPassword(t *testing.T) {
	t.Parallel()

	dr := postDocument(t, "Secret body", map[string]string{"X-Haste-Password": "password"})
	if !dr.Metadata.Protected || dr.Metadata.Password != "" {
		t.Errorf("Metadata should be protected without the password, got %+v", dr.Metadata)
	}

	for _, method := range []string{"GET", "HEAD"} {
		req, _ := http.NewRequest(method, "/docs/"+dr.Key, nil)
		if w := serve(req); w.Code != http.StatusUnauthorized {
			t.Errorf("%s: Status should be %d, got %d", method, http.StatusUnauthorized, w.Code)
		}
		req, _ = http.NewRequest(method, "/docs/"+dr.Key+"?password=wrong", nil)
		if w := serve(req); w.Code != http.StatusUnauthorized {
			t.Errorf("%s: Status should be %d, got %d", method, http.StatusUnauthorized, w.Code)
		}
	}

	reqs := []*http.Request{}
	req, _ := http.NewRequest("GET", "/docs/"+dr.Key, nil)
	req.Header.Set("X-Haste-Password", "password")
	reqs = append(reqs, req)
	req, _ = http.NewRequest("GET", "/docs/"+dr.Key+"?password=password", nil)
	reqs = append(reqs, req)
	req, _ = http.NewRequest("GET", "/docs/"+dr.Key, nil)
	req.SetBasicAuth("", "password")
	reqs = append(reqs, req)

	for i, req := range reqs {
		w := serve(req)
		if w.Code != http.StatusOK {
			t.Errorf("%d: Status should be %d, got %d", i, http.StatusOK, w.Code)
			continue
		}
		if w.Body.String() != "Secret body" {
			t.Errorf("%d: Body should be [Secret body], got [%s]", i, w.Body.String())
		}
		if w.Header().Get("X-Haste-Password") != "true" {
			t.Errorf("%d: Header X-Haste-Password should be true, got %s", i, w.Header().Get("X-Haste-Password"))
		}
	}
}

func TestOnetimeDocument(t *testing.T) {
	t.Parallel()

	dr := postDocument(t, "Burn after reading", map[string]string{"X-Haste-Onetime": "1"})

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest("HEAD", "/docs/"+dr.Key, nil)
		w := serve(req)
		if w.Code != http.StatusOK {
			t.Fatalf("HEAD: Status should be %d, got %d", http.StatusOK, w.Code)
		}
		if w.Body.Len() != 0 {
			t.Errorf("HEAD: Body should be empty, got [%s]", w.Body.String())
		}
		if w.Header().Get("X-Haste-Onetime") != "true" {
			t.Errorf("HEAD: Header X-Haste-Onetime should be true")
		}
	}

	req, _ := http.NewRequest("GET", "/docs/"+dr.Key, nil)
	if w := serve(req); w.Code != http.StatusOK {
		t.Fatalf("Status should be %d, got %d", http.StatusOK, w.Code)
	}
	req, _ = http.NewRequest("GET", "/docs/"+dr.Key, nil)
	if w := serve(req); w.Code != http.StatusNotFound {
		t.Errorf("Status should be %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestRedirectDocument(t *testing.T) {
	t.Parallel()

	dr := postDocument(t, "https://example.com/some/page\n", nil)
	if dr.Metadata.Mimetype != store.MimeURLRedirect {
		t.Errorf("Mimetype should be %s, got %s", store.MimeURLRedirect, dr.Metadata.Mimetype)
	}

	req, _ := http.NewRequest("GET", "/docs/"+dr.Key, nil)
	w := serve(req)
	if w.Code != http.StatusFound {
		t.Fatalf("Status should be %d, got %d", http.StatusFound, w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "https://example.com/some/page" {
		t.Errorf("Location should be https://example.com/some/page, got %s", loc)
	}
}

func TestDeleteDocument(t *testing.T) {
	t.Parallel()

	dr := postDocument(t, "Test body", nil)

	req, _ := http.NewRequest("DELETE", "/docs/"+dr.Key, nil)
	if w := serve(req); w.Code != http.StatusNoContent {
		t.Errorf("Status should be %d, got %d", http.StatusNoContent, w.Code)
	}
	req, _ = http.NewRequest("GET", "/docs/"+dr.Key, nil)
	if w := serve(req); w.Code != http.StatusNotFound {
		t.Errorf("Status should be %d, got %d", http.StatusNotFound, w.Code)
	}
	req, _ = http.NewRequest("DELETE", "/docs/"+dr.Key, nil)
	if w := serve(req); w.Code != http.StatusNotFound {
		t.Errorf("Status should be %d, got %d", http.StatusNotFound, w.Code)
	}
}

// TestGetRecent doesn't run in parallel so that no other test pushes its
// document out of the recent list.
func TestGetRecent(t *testing.T) {
	dr := postDocument(t, "Recent body", map[string]string{"X-Haste-Password": "password"})

	req, _ := http.NewRequest("GET", "/recent", nil)
	w := serve(req)
	if w.Code != http.StatusOK {
		t.Fatalf("Status should be %d, got %d", http.StatusOK, w.Code)
	}
	if strings.Contains(w.Body.String(), `"password"`) {
		t.Errorf("Response should not have passwords, got %s", w.Body.String())
	}

	var docs []store.Document
	if err := json.NewDecoder(w.Body).Decode(&docs); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(docs) == 0 || len(docs) > store.DefaultRecentLimit {
		t.Fatalf("Recent should have between 1 and %d documents, got %d", store.DefaultRecentLimit, len(docs))
	}
	if docs[0].Key != dr.Key || !docs[0].Protected {
		t.Errorf("First recent document should be protected %s, got %+v", dr.Key, docs[0])
	}
}

func TestGetKeys(t *testing.T) {
	t.Parallel()

	a := postDocument(t, "a", nil)
	b := postDocument(t, "b", nil)

	req, _ := http.NewRequest("GET", fmt.Sprintf("/keys/%s,missing,%s.txt", a.Key, b.Key), nil)
	w := serve(req)
	if w.Code != http.StatusOK {
		t.Fatalf("Status should be %d, got %d", http.StatusOK, w.Code)
	}

	var docs []*store.Document
	if err := json.NewDecoder(w.Body).Decode(&docs); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("Response should have 3 entries, got %d", len(docs))
	}
	if docs[0] == nil || docs[0].Key != a.Key || docs[1] != nil || docs[2] == nil || docs[2].Key != b.Key {
		t.Errorf("Response should be [%s, null, %s], got %+v", a.Key, b.Key, docs)
	}
}

func TestNotify(t *testing.T) {
	t.Parallel()

	dr := postDocument(t, "Test body", map[string]string{"X-Haste-Name": "notes"})

	req, _ := http.NewRequest("GET", "/irc/privmsg/haste/"+dr.Key, nil)
	w := serve(req)
	if w.Code != http.StatusOK {
		t.Fatalf("Status should be %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	want := "notes: http://localhost:7777/" + dr.Key
	if !strings.Contains(w.Body.String(), want) {
		t.Errorf("Response should have [%s], got [%s]", want, w.Body.String())
	}

	irc.Lock()
	found := false
	for _, s := range irc.sent {
		found = found || s == "#haste "+want
	}
	irc.Unlock()
	if !found {
		t.Errorf("Message [%s] should have been sent", want)
	}

	req, _ = http.NewRequest("GET", "/irc/privmsg/elsewhere/"+dr.Key, nil)
	if w := serve(req); w.Code != http.StatusBadRequest {
		t.Errorf("Status should be %d, got %d", http.StatusBadRequest, w.Code)
	}
	req, _ = http.NewRequest("GET", "/irc/privmsg/haste/nosuchdocument", nil)
	if w := serve(req); w.Code != http.StatusNotFound {
		t.Errorf("Status should be %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestNotifyNotConfigured(t *testing.T) {
	t.Parallel()

	srv := New(nil, svc, nil, ServerOptions{})
	dr := postDocument(t, "Test body", nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/irc/privmsg/haste/"+dr.Key, nil)
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Status should be %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	h := webSrv.Handler(io.Discard)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/docs", strings.NewReader("Test body"))
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Status should be %d, got %d", http.StatusOK, w.Code)
	}

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/metrics", nil)
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Status should be %d, got %d", http.StatusOK, w.Code)
	}
	for _, want := range []string{
		`haste_documents_operations_total{op="stored"}`,
		`haste_http_requests_total{code="200",method="post"}`,
		`haste_build_info{version="test"} 1`,
	} {
		if !strings.Contains(w.Body.String(), want) {
			t.Errorf("Metrics should have [%s]", want)
		}
	}
}

// TestNotFoundPage verifies the NotFound handler.
func TestNotFoundPage(t *testing.T) {
	t.Parallel()

	req, _ := http.NewRequest("GET", "/NotFoundPage", nil)
	w := serve(req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Status should be %d, got %d", http.StatusNotFound, w.Code)
	}
	e := decodeError(t, w)
	if e.Message != "Path /NotFoundPage not found" {
		t.Errorf("Message should be [Path /NotFoundPage not found], got [%s]", e.Message)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	req, _ := http.NewRequest("PUT", "/docs/whatever", nil)
	w := serve(req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Status should be %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}

func TestRootMessage(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Service.Store: Service.parseExpiration: wrong duration format: 1,3z": "wrong duration format: 1,3z",
		"body is empty":                                  "body is empty",
		"Notifier.Notify: channel is not configured: #x": "channel is not configured: #x",
	}
	for in, want := range tests {
		if got := rootMessage(fmt.Errorf("%s", in)); got != want {
			t.Errorf("rootMessage(%q) = %q, want %q", in, got, want)
		}
	}
}
