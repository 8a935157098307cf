// Package storage はストレージ抽象化レイヤーを提供します。
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Storage はキー単位でブロブを保存・取得するインターフェースです。
// 存在しないキーに対する Open / Stat は fs.ErrNotExist を含むエラーを返します。
type Storage interface {
	Save(ctx context.Context, key string, body io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Download はキーの内容をローカルファイルへ書き出します。
func Download(ctx context.Context, s Storage, key, destPath string) error {
	src, err := s.Open(ctx, key)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}
	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to download %s: %w", key, err)
	}
	return dst.Close()
}

// UploadFile はローカルファイルをキーへ保存します。
func UploadFile(ctx context.Context, s Storage, key, srcPath string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.Save(ctx, key, f)
}

func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("storage key is required")
	}
	if strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid storage key: %s", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("invalid storage key: %s", key)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+key), "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("invalid storage key: %s", key)
	}
	return cleaned, nil
}
