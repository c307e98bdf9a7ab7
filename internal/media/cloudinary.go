package media

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const cloudinaryAPIBase = "https://api.cloudinary.com"

type Cloudinary struct {
	apiKey     string
	apiSecret  string
	cloudName  string
	apiBase    string
	folder     string
	httpClient *http.Client
	now        func() time.Time
}

type cloudinaryResponse struct {
	SecureURL string `json:"secure_url"`
	PublicID  string `json:"public_id"`
	Result    string `json:"result"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewCloudinary parses a cloudinary://<key>:<secret>@<cloud> URL.
func NewCloudinary(rawURL, folder string) (*Cloudinary, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse cloudinary url: %w", err)
	}

	if parsed.Scheme != "cloudinary" {
		return nil, fmt.Errorf("invalid cloudinary scheme")
	}

	apiKey := parsed.User.Username()
	apiSecret, ok := parsed.User.Password()
	if !ok {
		return nil, fmt.Errorf("missing cloudinary api secret")
	}
	cloudName := parsed.Hostname()
	if apiKey == "" || apiSecret == "" || cloudName == "" {
		return nil, fmt.Errorf("invalid cloudinary credentials")
	}

	return &Cloudinary{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		cloudName: cloudName,
		apiBase:   cloudinaryAPIBase,
		folder:    strings.Trim(folder, "/"),
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
		now: time.Now,
	}, nil
}

func (c *Cloudinary) Upload(ctx context.Context, file File) (Asset, error) {
	if len(file.Data) == 0 {
		return Asset{}, ErrEmptyFile
	}

	params := map[string]string{
		"timestamp": strconv.FormatInt(c.now().Unix(), 10),
	}
	if c.folder != "" {
		params["folder"] = c.folder
	}
	source := fmt.Sprintf("data:%s;base64,%s", file.ContentType, base64.StdEncoding.EncodeToString(file.Data))

	resp, err := c.post(ctx, "upload", params, map[string]string{"file": source})
	if err != nil {
		return Asset{}, err
	}
	if resp.SecureURL == "" || resp.PublicID == "" {
		return Asset{}, fmt.Errorf("cloudinary response missing secure_url or public_id")
	}

	return Asset{URL: resp.SecureURL, PublicID: resp.PublicID}, nil
}

// Delete destroys the image. An already-deleted image is not an error.
func (c *Cloudinary) Delete(ctx context.Context, publicID string) error {
	publicID = strings.TrimSpace(publicID)
	if publicID == "" {
		return nil
	}

	params := map[string]string{
		"public_id": publicID,
		"timestamp": strconv.FormatInt(c.now().Unix(), 10),
	}

	resp, err := c.post(ctx, "destroy", params, nil)
	if err != nil {
		return err
	}
	if resp.Result != "ok" && resp.Result != "not found" {
		return fmt.Errorf("cloudinary destroy failed: %s", resp.Result)
	}

	return nil
}

func (c *Cloudinary) post(ctx context.Context, action string, signed, unsigned map[string]string) (cloudinaryResponse, error) {
	fields := make(map[string]string, len(signed)+len(unsigned)+2)
	for k, v := range signed {
		fields[k] = v
	}
	for k, v := range unsigned {
		fields[k] = v
	}
	fields["api_key"] = c.apiKey
	fields["signature"] = c.sign(signed)

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		for name, value := range fields {
			if err := writer.WriteField(name, value); err != nil {
				_ = pw.CloseWithError(fmt.Errorf("write %s field: %w", name, err))
				return
			}
		}
		if err := writer.Close(); err != nil {
			_ = pw.CloseWithError(fmt.Errorf("close multipart writer: %w", err))
			return
		}
		_ = pw.Close()
	}()

	endpoint := fmt.Sprintf("%s/v1_1/%s/image/%s", c.apiBase, c.cloudName, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		_ = pr.Close()
		return cloudinaryResponse{}, fmt.Errorf("build cloudinary %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return cloudinaryResponse{}, fmt.Errorf("cloudinary %s request failed: %w", action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return cloudinaryResponse{}, fmt.Errorf("read cloudinary response: %w", err)
	}

	var parsed cloudinaryResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return cloudinaryResponse{}, fmt.Errorf("decode cloudinary response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if parsed.Error != nil && parsed.Error.Message != "" {
			return cloudinaryResponse{}, fmt.Errorf("cloudinary %s failed: %s", action, parsed.Error.Message)
		}
		return cloudinaryResponse{}, fmt.Errorf("cloudinary %s failed with status %d", action, resp.StatusCode)
	}

	return parsed, nil
}

// sign implements the API signature: signed params sorted by name, joined as
// k=v pairs with '&', followed by the api secret, SHA-1 hex encoded.
func (c *Cloudinary) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}

	h := sha1.New() // #nosec G401: cloudinary API signature requires SHA-1.
	_, _ = h.Write([]byte(strings.Join(pairs, "&") + c.apiSecret))
	return hex.EncodeToString(h.Sum(nil))
}
