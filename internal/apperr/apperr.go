// Package apperr はパッケージ横断で利用するエラー分類を提供します。
package apperr

import (
	"errors"
	"fmt"
)

// エラーコード一覧
const (
	CodeMissingField          = "MISSING_FIELD"
	CodeNotFound              = "NOT_FOUND"
	CodeInvalidMetadataFormat = "INVALID_METADATA_FORMAT"
	CodeSkippedLegacyArchive  = "SKIPPED_LEGACY_ARCHIVE"
	CodeRecordNotFound        = "RECORD_NOT_FOUND"
	CodeExtractionFailed      = "EXTRACTION_FAILED"
	CodeNoDocumentsFound      = "NO_DOCUMENTS_FOUND"
	CodeMergeFailed           = "MERGE_FAILED"
	CodeEmptyArchive          = "EMPTY_ARCHIVE"
	CodePackagingFailed       = "PACKAGING_FAILED"
	CodeStoreFailed           = "STORE_FAILED"
	CodeInternal              = "INTERNAL_ERROR"
)

// errors.Is で比較するためのセンチネル。
var (
	ErrMissingField          = &Error{Code: CodeMissingField}
	ErrNotFound              = &Error{Code: CodeNotFound}
	ErrInvalidMetadataFormat = &Error{Code: CodeInvalidMetadataFormat}
	ErrSkippedLegacyArchive  = &Error{Code: CodeSkippedLegacyArchive}
	ErrRecordNotFound        = &Error{Code: CodeRecordNotFound}
	ErrExtractionFailed      = &Error{Code: CodeExtractionFailed}
	ErrNoDocumentsFound      = &Error{Code: CodeNoDocumentsFound}
	ErrMergeFailed           = &Error{Code: CodeMergeFailed}
	ErrEmptyArchive          = &Error{Code: CodeEmptyArchive}
	ErrPackagingFailed       = &Error{Code: CodePackagingFailed}
	ErrStoreFailed           = &Error{Code: CodeStoreFailed}
)

// Error はコードとメッセージを持つアプリケーションエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

// New は Error を生成します。
func New(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is はコードが一致する場合に true を返します。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf は err に含まれる Error のコードを返します。見つからなければ INTERNAL_ERROR です。
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}
