// Package uploadclient реализует клиент докачиваемой загрузки: проверка готового файла,
// запрос принятых чанков, дозагрузка недостающих и finalize.
package uploadclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/sir_venger/chunkd/internal/models"
	"github.com/sir_venger/chunkd/pkg/httperrors"
	"github.com/sir_venger/chunkd/pkg/uploadproto"
)

// Client общается с сервисом загрузки по HTTP.
type Client struct {
	base      string
	hc        *http.Client
	chunkSize int64
	fp        models.Fingerprint
	progress  io.Writer
}

// Option настраивает клиента.
type Option func(*Client)

// WithHTTPClient подменяет http.Client (например, клиент httptest-сервера).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithChunkSize задаёт размер среза файла.
func WithChunkSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithFingerprint задаёт алгоритм отпечатка; должен совпадать с настройкой сервера.
func WithFingerprint(fp models.Fingerprint) Option {
	return func(c *Client) { c.fp = fp }
}

// WithProgress включает индикатор выполнения в w.
func WithProgress(w io.Writer) Option {
	return func(c *Client) { c.progress = w }
}

// New создаёт клиента для сервиса по адресу baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:      strings.TrimRight(baseURL, "/"),
		hc:        &http.Client{},
		chunkSize: uploadproto.DefaultChunkSize,
		fp:        models.FingerprintMD5,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError описывает ответ сервиса с ошибкой. errors.Is работает с доменными ошибками models.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chunkd: %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return httperrors.Code(e.Code)
}

// Result описывает итог UploadFile.
type Result struct {
	Identity string
	Name     string
	Size     int64
	Chunks   int
	// Uploaded: сколько чанков реально отправлено; остальные уже были на сервере.
	Uploaded int
	// Instant: файл уже был на сервере, загрузка не потребовалась.
	Instant bool
}

// UploadFile загружает файл по пути path под именем name (пустое имя заменяется базовым именем файла).
func (c *Client) UploadFile(ctx context.Context, path, name string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{}, err
	}
	if name == "" {
		name = filepath.Base(path)
	}

	id, err := c.fp.Sum(f)
	if err != nil {
		return Result{}, fmt.Errorf("fingerprint %s: %w", path, err)
	}

	return c.Upload(ctx, id, io.NewSectionReader(f, 0, info.Size()), name)
}

// Upload загружает содержимое src, отпечаток которого уже посчитан.
func (c *Client) Upload(ctx context.Context, id string, src *io.SectionReader, name string) (Result, error) {
	size := src.Size()
	total := int((size + c.chunkSize - 1) / c.chunkSize)
	if total == 0 {
		// пустой файл отправляется одним пустым чанком
		total = 1
	}
	res := Result{Identity: id, Name: name, Size: size, Chunks: total}

	st, err := c.Status(ctx, id)
	if err != nil {
		return res, err
	}
	if st.Exists {
		res.Instant = true
		return res, nil
	}

	pres, err := c.Presence(ctx, id)
	if err != nil {
		return res, err
	}
	present := make(map[int]struct{}, len(pres.PresentIndices))
	for _, idx := range pres.PresentIndices {
		present[idx] = struct{}{}
	}

	bar := newChunkProgress(c.progress, name, total)
	for idx := 0; idx < total; idx++ {
		off := int64(idx) * c.chunkSize
		n := min(c.chunkSize, size-off)
		if _, ok := present[idx]; ok {
			bar.Resumed(idx)
			continue
		}

		section := io.NewSectionReader(src, off, n)
		sum, err := sha256Hex(section)
		if err != nil {
			bar.Done(err)
			return res, err
		}
		bar.Sending(idx)
		body := io.Reader(io.NewSectionReader(src, off, n))
		if bar != nil {
			body = io.TeeReader(body, bar)
		}
		if _, err := c.PutChunk(ctx, id, idx, body, n, total, sum); err != nil {
			err = fmt.Errorf("chunk %d: %w", idx, err)
			bar.Done(err)
			return res, err
		}
		bar.Sent(idx)
		res.Uploaded++
	}

	fin, err := c.Finalize(ctx, id, name, total)
	bar.Done(err)
	if err != nil {
		return res, err
	}

	res.Name = fin.Name
	res.Size = fin.Size
	return res, nil
}

// Status: GET /uploads/{identity}.
func (c *Client) Status(ctx context.Context, id string) (uploadproto.StatusResponse, error) {
	var out uploadproto.StatusResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf(uploadproto.StatusPathFormat, c.base, id), nil, nil, &out)
	return out, err
}

// Presence: GET /uploads/{identity}/chunks.
func (c *Client) Presence(ctx context.Context, id string) (uploadproto.PresenceResponse, error) {
	var out uploadproto.PresenceResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf(uploadproto.ChunksPathFormat, c.base, id), nil, nil, &out)
	return out, err
}

// PutChunk отправляет один чанк сырым телом. sha256 может быть пустым.
func (c *Client) PutChunk(ctx context.Context, id string, idx int, body io.Reader, size int64, total int, sha string) (uploadproto.ChunkResponse, error) {
	hdr := http.Header{}
	if total > 0 {
		hdr.Set(uploadproto.HeaderTotalChunks, strconv.Itoa(total))
	}
	if sha != "" {
		hdr.Set(uploadproto.HeaderChecksum, sha)
	}
	hdr.Set("Content-Type", "application/octet-stream")

	var out uploadproto.ChunkResponse
	err := c.doSized(ctx, http.MethodPut, uploadproto.ChunkURL(c.base, id, idx), body, size, hdr, &out)
	return out, err
}

// Finalize: POST /uploads/{identity}/finalize.
func (c *Client) Finalize(ctx context.Context, id, name string, total int) (uploadproto.FinalizeResponse, error) {
	raw, err := json.Marshal(uploadproto.FinalizeRequest{FileName: name, TotalChunks: total})
	if err != nil {
		return uploadproto.FinalizeResponse{}, err
	}
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/json")

	var out uploadproto.FinalizeResponse
	err = c.doSized(ctx, http.MethodPost, fmt.Sprintf(uploadproto.FinalizePathFormat, c.base, id), bytes.NewReader(raw), int64(len(raw)), hdr, &out)
	return out, err
}

// Sweep запускает POST /admin/gc; ответ декодируется в out.
func (c *Client) Sweep(ctx context.Context, out any) error {
	return c.do(ctx, http.MethodPost, c.base+"/admin/gc", nil, nil, out)
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader, hdr http.Header, out any) error {
	return c.doSized(ctx, method, url, body, -1, hdr, out)
}

func (c *Client) doSized(ctx context.Context, method, url string, body io.Reader, size int64, hdr http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	for k, vs := range hdr {
		req.Header[k] = vs
	}
	if size >= 0 {
		req.ContentLength = size
	}
	req.Header.Set(uploadproto.HeaderRequestID, uuid.NewString())

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, url, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}

	var body uploadproto.ErrorResponse
	if json.Unmarshal(raw, &body) == nil && body.Code != "" {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
	}
	return apiErr
}

func sha256Hex(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
