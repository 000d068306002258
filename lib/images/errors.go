package images

import "errors"

var (
	ErrNotFound    = errors.New("image not found")
	ErrInvalidName = errors.New("invalid image name")
	ErrAmbiguous   = errors.New("image id is ambiguous")
	ErrBlobMissing = errors.New("image blob missing from store")
	ErrArchive     = errors.New("invalid rootfs archive")
)
