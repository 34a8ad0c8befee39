// Copyright 2021 Ilia Frenkel. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE.txt file.

package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/iliafrenkel/go-haste/src/notify"
	"github.com/iliafrenkel/go-haste/src/service"
	"github.com/iliafrenkel/go-haste/src/store"
)

// HTTPError is the body of every error response.
type HTTPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DocumentResponse is returned when a new document is created.
type DocumentResponse struct {
	Key      string         `json:"key"`
	Metadata store.Document `json:"metadata"`
}

// errBadRequest marks request bodies that cannot be parsed.
var errBadRequest = errors.New("malformed request")

// maxMemory is how much of a multipart form is kept in memory, the rest
// goes to temporary files.
const maxMemory = 1 << 20

func (h *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Logf("ERROR failed to encode response: %v", err)
	}
}

// writeError maps an error to an HTTP status. Errors that aren't known
// are reported as 500 without any details.
func (h *Server) writeError(w http.ResponseWriter, err error) {
	var mbe *http.MaxBytesError
	code := http.StatusInternalServerError
	msg := http.StatusText(code)
	switch {
	case errors.As(err, &mbe):
		code, msg = http.StatusBadRequest, fmt.Sprintf("Request body must not be larger than %d bytes", mbe.Limit)
	case errors.Is(err, service.ErrEmptyBody),
		errors.Is(err, service.ErrWrongDuration),
		errors.Is(err, service.ErrTooLarge),
		errors.Is(err, notify.ErrBadChannel),
		errors.Is(err, errBadRequest):
		code, msg = http.StatusBadRequest, rootMessage(err)
	case errors.Is(err, service.ErrUnauthorized):
		code, msg = http.StatusUnauthorized, service.ErrUnauthorized.Error()
	case errors.Is(err, service.ErrNotFound), errors.Is(err, notify.ErrNotFound):
		code, msg = http.StatusNotFound, "Document not found"
	case errors.Is(err, service.ErrUnsupportedMediaType):
		code, msg = http.StatusUnsupportedMediaType, service.ErrUnsupportedMediaType.Error()
	case errors.Is(err, notify.ErrNotConnected):
		code, msg = http.StatusServiceUnavailable, notify.ErrNotConnected.Error()
	default:
		h.log.Logf("ERROR %v", err)
	}
	h.writeJSON(w, code, HTTPError{Code: code, Message: msg})
}

// rootMessage drops the "Type.Method: " prefixes from a wrapped error.
func rootMessage(err error) string {
	msg := err.Error()
	for {
		i := strings.Index(msg, ": ")
		if i < 0 || strings.ContainsAny(msg[:i], " ") || !strings.Contains(msg[:i], ".") {
			return msg
		}
		msg = msg[i+2:]
	}
}

// credentials returns the password supplied with a request, if any.
func credentials(r *http.Request) string {
	if p := r.Header.Get("X-Haste-Password"); p != "" {
		return p
	}
	if p := r.URL.Query().Get("password"); p != "" {
		return p
	}
	if _, p, ok := r.BasicAuth(); ok {
		return p
	}
	return ""
}

// param looks for a named value in the form, the query string and finally
// in the X-Haste-<Name> header.
func param(r *http.Request, form url.Values, name string) string {
	if v := form.Get(name); v != "" {
		return v
	}
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	return r.Header.Get("X-Haste-" + name)
}

func truthy(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

// badRequest wraps a body parsing error so it's reported as 400. Errors
// from http.MaxBytesReader keep their own message.
func badRequest(what string, err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%w: %s: %v", errBadRequest, what, err)
}

// readDocument extracts the payload and the client supplied metadata from
// a request. Multipart forms carry the payload in the "data" field or file,
// everything else is treated as a raw body.
func (h *Server) readDocument(r *http.Request) ([]byte, service.DocumentRequest, error) {
	var (
		dr      service.DocumentRequest
		payload []byte
		form    url.Values
		err     error
	)

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "multipart/form-data":
		if err = r.ParseMultipartForm(maxMemory); err != nil {
			return nil, dr, badRequest("parsing form", err)
		}
		form = r.MultipartForm.Value
		if f, fh, ferr := r.FormFile("data"); ferr == nil {
			defer f.Close()
			if payload, err = io.ReadAll(f); err != nil {
				return nil, dr, badRequest("reading form file", err)
			}
			dr.Name = fh.Filename
			if ct := fh.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
				dr.Mimetype = ct
			}
		} else {
			payload = []byte(form.Get("data"))
		}
	default:
		if payload, err = io.ReadAll(r.Body); err != nil {
			return nil, dr, badRequest("reading body", err)
		}
		if mt != "" && mt != "application/x-www-form-urlencoded" {
			dr.Mimetype = mt
		}
	}

	if v := param(r, form, "name"); v != "" {
		dr.Name = v
	}
	if v := param(r, form, "mimetype"); v != "" {
		dr.Mimetype = v
	}
	dr.Syntax = param(r, form, "syntax")
	dr.Expires = param(r, form, "expire")
	dr.Encoding = param(r, form, "encoding")
	dr.Password = param(r, form, "password")
	dr.Onetime = truthy(param(r, form, "onetime"))

	return payload, dr, nil
}

// handlePostDocument creates a new document.
func (h *Server) handlePostDocument(w http.ResponseWriter, r *http.Request) {
	if h.options.MaxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.options.MaxBodySize)
	}

	payload, dr, err := h.readDocument(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	doc, err := h.service.Store(payload, dr)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.metrics.stored(doc.Size)
	h.log.Logf("INFO added document %s", doc.Key)

	h.writeJSON(w, http.StatusOK, DocumentResponse{Key: doc.Key, Metadata: doc})
}

// setDocumentHeaders describes a document in the response headers.
func setDocumentHeaders(w http.ResponseWriter, doc store.Document) {
	ct := doc.Mimetype
	if doc.IsText() {
		ct += "; charset=utf-8"
	}
	hdr := w.Header()
	hdr.Set("Content-Type", ct)
	hdr.Set("Content-Length", strconv.FormatInt(doc.Size, 10))
	hdr.Set("X-Haste-Key", doc.Key)
	hdr.Set("X-Haste-Name", doc.Name)
	hdr.Set("X-Haste-Syntax", doc.Syntax)
	hdr.Set("X-Haste-Mimetype", doc.Mimetype)
	hdr.Set("X-Haste-Encoding", doc.Encoding)
	hdr.Set("X-Haste-Size", strconv.FormatInt(doc.Size, 10))
	hdr.Set("X-Haste-Time", strconv.FormatInt(doc.Time, 10))
	hdr.Set("X-Haste-Onetime", strconv.FormatBool(doc.Onetime))
	hdr.Set("X-Haste-Password", strconv.FormatBool(doc.Protected))
	if doc.Expire != 0 {
		hdr.Set("X-Haste-Expire", strconv.FormatInt(doc.Expire, 10))
	}
}

// handleGetDocument serves GET and HEAD requests for a document. HEAD
// never consumes one-time documents.
func (h *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rr := service.ReadRequest{
		Public:   true,
		Password: credentials(r),
		Accept:   r.Header.Get("Accept"),
	}

	if r.Method == http.MethodHead {
		doc, err := h.service.Metadata(id, rr)
		if err != nil {
			h.writeError(w, err)
			return
		}
		setDocumentHeaders(w, doc)
		w.WriteHeader(http.StatusOK)
		return
	}

	c, err := h.service.Get(id, rr)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.metrics.inc("read")

	if c.Redirect != "" {
		http.Redirect(w, r, c.Redirect, http.StatusFound)
		return
	}
	setDocumentHeaders(w, c.Doc)
	w.Header().Set("Content-Length", strconv.Itoa(len(c.Payload)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(c.Payload); err != nil {
		h.log.Logf("WARN failed to write document %s: %v", c.Doc.Key, err)
	}
}

// handleDeleteDocument deletes a document.
func (h *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.service.Delete(id); err != nil {
		h.writeError(w, err)
		return
	}
	h.metrics.inc("deleted")
	w.WriteHeader(http.StatusNoContent)
}

// handleGetRecent returns the most recent documents.
func (h *Server) handleGetRecent(w http.ResponseWriter, r *http.Request) {
	docs, err := h.service.Recent()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, docs)
}

// handleGetKeys returns metadata for a comma separated list of keys.
func (h *Server) handleGetKeys(w http.ResponseWriter, r *http.Request) {
	ids := strings.Split(mux.Vars(r)["ids"], ",")
	docs, err := h.service.Keys(ids)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, docs)
}

// handleNotify posts a link to a document to a chat channel.
func (h *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil {
		h.writeError(w, notify.ErrNotConnected)
		return
	}
	vars := mux.Vars(r)
	msg, err := h.notifier.Notify(vars["chan"], vars["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.metrics.inc("notified")
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "Posted to IRC: " + msg})
}

func (h *Server) notFound(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusNotFound, HTTPError{
		Code:    http.StatusNotFound,
		Message: fmt.Sprintf("Path %s not found", r.URL.Path),
	})
}

func (h *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusMethodNotAllowed, HTTPError{
		Code:    http.StatusMethodNotAllowed,
		Message: fmt.Sprintf("Method %s is not allowed on %s", r.Method, r.URL.Path),
	})
}
