package router

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/safety-proxy/pkg/cache"
)

const emergencyPage = `<!DOCTYPE html>
<html>
<head>
  <title>Emergency Mode</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
</head>
<body style="font-family: sans-serif; padding: 20px; text-align: center;">
  <h1>Emergency Mode</h1>
  <p>You are offline. Safety data is kept on this device and sent when the connection returns.</p>
  <p><a href="/">Back to the safety dashboard</a></p>
</body>
</html>
`

const imagePlaceholder = `<svg width="100" height="100" xmlns="http://www.w3.org/2000/svg">` +
	`<rect width="100" height="100" fill="#f3f4f6"/>` +
	`<text x="50" y="50" text-anchor="middle" dy=".3em" font-family="sans-serif" font-size="12">offline</text>` +
	`</svg>`

// QueuedBody is the JSON body of the 202 returned for a queued request.
type QueuedBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	QueueID   string `json:"queueId"`
}

func syntheticResponse(req *http.Request, status int, contentType string, body []byte) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set("Cache-Control", "no-store")
	header.Set(cache.HeaderSource, "offline-placeholder")

	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func emergencyPlaceholder(req *http.Request) *http.Response {
	return syntheticResponse(req, http.StatusOK, "text/html; charset=utf-8", []byte(emergencyPage))
}

func imagePlaceholderResponse(req *http.Request) *http.Response {
	return syntheticResponse(req, http.StatusOK, "image/svg+xml", []byte(imagePlaceholder))
}

func queuedResponse(req *http.Request, queueID string, now time.Time) *http.Response {
	body, _ := json.Marshal(QueuedBody{
		Error:     "offline",
		Message:   "Request stored for sync when online",
		Timestamp: now.UnixMilli(),
		QueueID:   queueID,
	})
	resp := syntheticResponse(req, http.StatusAccepted, "application/json", body)
	resp.Header.Set(cache.HeaderSource, "queued")
	return resp
}
