package models

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrIncompleteUpload = errors.New("upload incomplete")

	// ErrInvalidArgument — идентификатор, индекс или имя не прошли валидацию; мутаций не было.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStorageWriteFailed — чанк не удалось сохранить, реестр не обновлялся.
	ErrStorageWriteFailed = errors.New("storage write failed")
	ErrChecksumMismatch   = errors.New("chunk checksum mismatch")
	ErrChunkTooLarge      = errors.New("chunk too large")

	ErrMergeInProgress         = errors.New("merge already in progress")
	ErrSessionLocked           = errors.New("session locked by merge")
	ErrMergeVerificationFailed = errors.New("merge verification failed")
	ErrMergeIOFailed           = errors.New("merge io failed")
)
