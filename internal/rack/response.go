package rack

import (
	"net/http"
	"strconv"
)

// Response is the outbound response a run produces. Middleware mutate it in
// place during the response phase.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewResponse returns the default response: 200 with no headers and no body.
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
	}
}

// NewTextResponse builds a plain-text response, the common shape for
// synthetic rejections.
func NewTextResponse(status int, body string) *Response {
	resp := NewResponse()
	resp.StatusCode = status
	resp.Body = []byte(body)
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return resp
}

// WriteHTTP copies the response onto w. Content-Length is set from the body,
// except that an empty body keeps a length the response already carries, as
// answers to HEAD do.
func (r *Response) WriteHTTP(w http.ResponseWriter) error {
	h := w.Header()
	for k, vv := range r.Header {
		h[k] = append([]string(nil), vv...)
	}
	if len(r.Body) > 0 || h.Get("Content-Length") == "" {
		h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}

	status := r.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}
