package ship

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"bay/internal/logging"
	"bay/internal/models"
)

// WorkerPort is the TCP port every ship worker listens on.
const WorkerPort = 8123

const forwardTimeout = 30 * time.Second

// SessionHeader carries the client session identity on every forwarded call.
const SessionHeader = "X-SESSION-ID"

// Forwarder relays client operations into a ship worker. It never returns
// transport errors; every path yields a structured response.
type Forwarder struct {
	client *http.Client
}

// NewForwarder returns a forwarder with the standard 30s total budget.
func NewForwarder() *Forwarder {
	return &Forwarder{
		client: &http.Client{Timeout: forwardTimeout},
	}
}

// ForwardOperation POSTs a JSON payload to /{opType} on the ship worker.
func (f *Forwarder) ForwardOperation(ctx context.Context, shipIP, opType string, payload map[string]interface{}, sessionID string) *models.ExecResponse {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return &models.ExecResponse{Success: false, Error: fmt.Sprintf("Internal error: %v", err)}
	}

	url := fmt.Sprintf("http://%s:%d/%s", shipIP, WorkerPort, opType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &models.ExecResponse{Success: false, Error: fmt.Sprintf("Internal error: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionHeader, sessionID)

	resp, err := f.client.Do(req)
	if err != nil {
		return &models.ExecResponse{Success: false, Error: normalizeTransportError(shipIP, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(resp.Body)
		return &models.ExecResponse{
			Success: false,
			Error:   fmt.Sprintf("Ship returned %d: %s", resp.StatusCode, string(text)),
		}
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return &models.ExecResponse{Success: false, Error: fmt.Sprintf("Ship returned invalid JSON: %v", err)}
	}
	return &models.ExecResponse{Success: true, Data: data}
}

// ForwardUpload streams file bytes to /upload on the ship worker as a
// multipart form with fields "file" and "file_path".
func (f *Forwarder) ForwardUpload(ctx context.Context, shipIP string, file []byte, filePath, sessionID string) *models.UploadResponse {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(filePath))
	if err == nil {
		_, err = part.Write(file)
	}
	if err == nil {
		err = w.WriteField("file_path", filePath)
	}
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		return &models.UploadResponse{Success: false, Message: "Upload failed", Error: fmt.Sprintf("Internal error: %v", err)}
	}

	url := fmt.Sprintf("http://%s:%d/upload", shipIP, WorkerPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return &models.UploadResponse{Success: false, Message: "Upload failed", Error: fmt.Sprintf("Internal error: %v", err)}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set(SessionHeader, sessionID)

	resp, err := f.client.Do(req)
	if err != nil {
		return &models.UploadResponse{Success: false, Message: "Upload failed", Error: normalizeTransportError(shipIP, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(resp.Body)
		return &models.UploadResponse{
			Success: false,
			Message: "Upload failed",
			Error:   fmt.Sprintf("Ship returned %d: %s", resp.StatusCode, string(text)),
		}
	}

	var out models.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return &models.UploadResponse{Success: false, Message: "Upload failed", Error: fmt.Sprintf("Ship returned invalid JSON: %v", err)}
	}
	return &out
}

func normalizeTransportError(shipIP string, err error) string {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return "Request timeout"
	}
	logging.L().Error("forward to ship failed",
		zap.String("ship_ip", shipIP),
		zap.Error(err))
	return fmt.Sprintf("Connection error: %v", err)
}
