// Package uploadproto описывает HTTP-протокол сервиса загрузки чанками.
package uploadproto

import "fmt"

// Маршруты и заголовки основного API.
const (
	ChunksPathFormat   = "%s/uploads/%s/chunks"
	ChunkPathFormat    = "%s/uploads/%s/chunks/%d"
	StatusPathFormat   = "%s/uploads/%s"
	FinalizePathFormat = "%s/uploads/%s/finalize"

	HeaderTotalChunks = "X-Total-Chunks"
	HeaderChecksum    = "X-Checksum-Sha256"
	HeaderRequestID   = "X-Request-Id"

	// FormFieldFile — поле multipart-формы с телом чанка.
	FormFieldFile = "file"
)

// Маршруты и поля совместимого API первой версии клиента.
const (
	LegacyCheckChunksPath = "/check-chunks"
	LegacyUploadChunkPath = "/upload-chunk"
	LegacyCheckFilePath   = "/check-file"
	LegacyMergeChunksPath = "/merge-chunks"

	LegacyQueryFileMD5   = "fileMD5"
	LegacyFormIndex      = "index"
	LegacyFormIdentity   = "filename"
	LegacyFormFile       = "file"
	LegacyFormTotalChunk = "totalChunks"
)

// DefaultChunkSize задаёт размер среза, которым клиент режет файл.
const DefaultChunkSize = 10 << 20

type (
	// PresenceResponse — ответ GET /uploads/{identity}/chunks.
	PresenceResponse struct {
		Identity       string `json:"identity"`
		PresentIndices []int  `json:"present_indices"`
		ExpectedChunks int    `json:"expected_chunks,omitempty"`
		State          string `json:"state,omitempty"`
	}

	// ChunkResponse описывает принятый чанк.
	ChunkResponse struct {
		Identity string `json:"identity"`
		Index    int    `json:"index"`
		Size     int64  `json:"size"`
		Sha256   string `json:"sha256"`
	}

	// StatusResponse — ответ GET /uploads/{identity}.
	StatusResponse struct {
		Identity string `json:"identity"`
		Exists   bool   `json:"exists"`
		Name     string `json:"name,omitempty"`
		Size     int64  `json:"size,omitempty"`
	}

	// FinalizeRequest — тело POST /uploads/{identity}/finalize.
	FinalizeRequest struct {
		FileName    string `json:"file_name"`
		TotalChunks int    `json:"total_chunks,omitempty"`
	}

	// FinalizeResponse — результат успешного слияния.
	FinalizeResponse struct {
		Status   string `json:"status"`
		Identity string `json:"identity"`
		Name     string `json:"name"`
		Size     int64  `json:"size"`
		Chunks   int    `json:"chunks"`
	}

	// ErrorResponse: тело ответа с ошибкой.
	ErrorResponse struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
)

type (
	LegacyCheckChunksResponse struct {
		ExistsChunks []int `json:"existsChunks"`
	}

	LegacyCheckFileResponse struct {
		Exists bool `json:"exists"`
	}

	LegacyMergeRequest struct {
		FileMD5     string `json:"fileMD5"`
		FileName    string `json:"fileName"`
		TotalChunks int    `json:"totalChunks"`
	}

	LegacyMessageResponse struct {
		Message string `json:"message"`
	}
)

// StatusMerged: значение FinalizeResponse.Status.
const StatusMerged = "merged"

// ChunkURL собирает адрес загрузки чанка.
func ChunkURL(base, identity string, idx int) string {
	return fmt.Sprintf(ChunkPathFormat, base, identity, idx)
}
