package fs

import "os"

// Real is the production [FS] implementation, backed by the os package.
type Real struct{}

// NewReal returns a [Real] filesystem.
func NewReal() *Real { return &Real{} }

func (*Real) Open(path string) (File, error) {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled by design
	if err != nil {
		return nil, err
	}

	return f, nil
}

func (*Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	f, err := os.OpenFile(path, flag, perm) //nolint:gosec // path is caller-controlled by design
	if err != nil {
		return nil, err
	}

	return f, nil
}

func (*Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path) //nolint:gosec
}

func (*Real) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}

	return err
}

func (*Real) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (*Real) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

var _ FS = (*Real)(nil)
