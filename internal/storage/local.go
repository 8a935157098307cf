package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Local は afero のファイルシステム上にブロブを保存します。
// 書き込みは一時ファイルへ出力してからリネームするため、途中状態は見えません。
type Local struct {
	fs afero.Fs
}

// NewLocal は dir 配下に保存するローカルストレージを作成します。
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &Local{fs: afero.NewBasePathFs(afero.NewOsFs(), dir)}, nil
}

// NewLocalFs は任意の afero.Fs を使うローカルストレージを作成します。
func NewLocalFs(fsys afero.Fs) *Local {
	return &Local{fs: fsys}
}

// Save はキーへ内容を書き込みます。既存の内容は置き換えられます。
func (l *Local) Save(ctx context.Context, key string, body io.Reader) error {
	name, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.fs.MkdirAll(path.Dir(name), 0o750); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}

	tmp := name + ".tmp-" + uuid.NewString()
	if err := afero.WriteReader(l.fs, tmp, body); err != nil {
		_ = l.fs.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := l.fs.Rename(tmp, name); err != nil {
		_ = l.fs.Remove(tmp)
		return fmt.Errorf("failed to commit %s: %w", key, err)
	}
	return nil
}

// Open はキーの内容を読み出します。
func (l *Local) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	name, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	f, err := l.fs.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Stat はキーのサイズを返します。
func (l *Local) Stat(ctx context.Context, key string) (int64, error) {
	name, err := cleanKey(key)
	if err != nil {
		return 0, err
	}
	info, err := l.fs.Stat(name)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory: %w", key, fs.ErrNotExist)
	}
	return info.Size(), nil
}

// Delete はキーを削除します。存在しない場合は何もしません。
func (l *Local) Delete(ctx context.Context, key string) error {
	name, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := l.fs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix は接頭辞をディレクトリとみなして配下をすべて削除します。
func (l *Local) DeletePrefix(ctx context.Context, prefix string) error {
	name, err := cleanKey(prefix)
	if err != nil {
		return err
	}
	if err := l.fs.RemoveAll(name); err != nil {
		return fmt.Errorf("failed to delete prefix %s: %w", prefix, err)
	}
	return nil
}
