package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// WorkerClient исходящие HTTP вызовы в воркеры: health probe и
// форвардинг session команд. Все вызовы с явным таймаутом, чтобы
// зависший воркер не заклинил координатор.
type WorkerClient struct {
	httpClient     *http.Client
	probeTimeout   time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger
}

type WorkerClientConfig struct {
	ProbeTimeout   time.Duration
	RequestTimeout time.Duration
}

func NewWorkerClient(cfg WorkerClientConfig, logger *slog.Logger) *WorkerClient {
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout == 0 {
		probeTimeout = 5 * time.Second
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 10 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &WorkerClient{
		httpClient:     &http.Client{},
		probeTimeout:   probeTimeout,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// Probe проверяет доступность воркера через GET {endpoint}/health.
// Тело ответа информационное, важен только статус 200 в пределах таймаута.
//
// Собственный probeTimeout накладывается только когда вызывающий не
// принес свой deadline: active health sweep выдает каждому probe-у
// собственный бюджет, и он не должен срезаться до probeTimeout.
func (c *WorkerClient) Probe(ctx context.Context, endpoint string) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.probeTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(endpoint), nil)
	if err != nil {
		return fmt.Errorf("failed to build health probe request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWorkerUnreachable, endpoint, err)
	}
	defer resp.Body.Close()

	// дочитываем чтобы соединение вернулось в пул
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrWorkerUnhealthy, endpoint, resp.StatusCode)
	}

	return nil
}

// StartSession просит воркер поднять соединение для сессии
func (c *WorkerClient) StartSession(ctx context.Context, endpoint, sessionID, userID string) error {
	payload := map[string]string{
		"sessionId": sessionID,
		"userId":    userID,
	}

	return c.post(ctx, endpoint, "/sessions/start", payload)
}

// StopSession просит воркер погасить соединение сессии
func (c *WorkerClient) StopSession(ctx context.Context, endpoint, sessionID string) error {
	payload := map[string]string{
		"sessionId": sessionID,
	}

	return c.post(ctx, endpoint, "/sessions/stop", payload)
}

func (c *WorkerClient) post(ctx context.Context, endpoint, path string, payload interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal worker request: %w", err)
	}

	url := strings.TrimRight(endpoint, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build worker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("forwarding request to worker", "url", url)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWorkerUnreachable, endpoint, err)
	}
	defer resp.Body.Close()

	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %s %s returned status %d", ErrWorkerRejected, endpoint, path, resp.StatusCode)
	}

	return nil
}

func healthURL(endpoint string) string {
	return strings.TrimRight(endpoint, "/") + "/health"
}
