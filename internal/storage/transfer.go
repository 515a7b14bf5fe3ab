package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody caps how much of a failed response body is kept for messages.
const maxErrorBody = 4 << 10

// sendObject streams obj to target and returns the response body of a 2xx
// answer. Non-2xx answers and transport failures come back as *TransferError.
func sendObject(ctx context.Context, client *http.Client, target Target, obj Object, headers http.Header) ([]byte, error) {
	method := target.Method
	if method == "" {
		method = http.MethodPut
	}

	body := obj.Body
	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, target.UploadURL, io.NopCloser(body))
	if err != nil {
		return nil, &TransferError{Message: "bad upload target", Err: err}
	}
	// Backends reject chunked uploads; the declared size is authoritative.
	req.ContentLength = obj.Size
	if obj.Size == 0 {
		req.Body = http.NoBody
	}

	for k, vs := range target.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" && obj.ContentType != "" {
		req.Header.Set("Content-Type", obj.ContentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransferError{Message: err.Error(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TransferError{
			Status:  resp.StatusCode,
			Message: errorMessage(resp.StatusCode, b),
		}
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransferError{Message: fmt.Sprintf("read response: %v", err), Err: err}
	}
	return out, nil
}

func errorMessage(status int, body []byte) string {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return http.StatusText(status)
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
