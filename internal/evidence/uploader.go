// Package evidence uploads action photos and purchase receipts to an
// external image host and returns their public URLs. The host speaks
// the imgbb form API: multipart POST with an image part and an api key
// part, JSON response carrying the hosted URL.
package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/AkaFlex/Trade-Junco/internal/metrics"
)

type Uploader struct {
	UploadURL string
	APIKey    string
	Client    *http.Client
}

func New(uploadURL, apiKey string) Uploader {
	return Uploader{
		UploadURL: uploadURL,
		APIKey:    apiKey,
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

type uploadResponse struct {
	Data struct {
		URL string `json:"url"`
	} `json:"data"`
	Success bool `json:"success"`
}

// Upload sends one image and returns its hosted URL. Each file is its
// own request; a failure affects only that file, the caller decides
// whether to keep already-uploaded URLs.
func (u Uploader) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	if u.UploadURL == "" {
		return "", errors.New("evidence upload url not configured")
	}
	if len(data) == 0 {
		return "", errors.New("empty image")
	}

	start := time.Now()
	url, err := u.upload(ctx, filename, data)
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.RecordEvidenceUpload(status, time.Since(start).Seconds())
	return url, err
}

func (u Uploader) upload(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if u.APIKey != "" {
		if err := mw.WriteField("key", u.APIKey); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.UploadURL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload %s: host returned %d", filename, res.StatusCode)
	}
	var parsed uploadResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("upload %s: invalid host response: %w", filename, err)
	}
	if parsed.Data.URL == "" {
		return "", fmt.Errorf("upload %s: host response carries no url", filename)
	}
	return parsed.Data.URL, nil
}
