// Package media stores user images (avatars, cover images) with an external
// provider and hands back a public URL plus a provider handle for deletion.
package media

import (
	"context"
	"errors"
)

var (
	ErrEmptyFile    = errors.New("file is empty")
	ErrFileTooLarge = errors.New("file is too large")
	ErrNotImage     = errors.New("file must be an image")
)

// File is an image received from a client, fully buffered.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Asset references an uploaded object.
type Asset struct {
	URL      string `json:"url"`
	PublicID string `json:"publicId"`
}

type Store interface {
	Upload(ctx context.Context, file File) (Asset, error)
	Delete(ctx context.Context, publicID string) error
}
