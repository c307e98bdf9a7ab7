package media

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ReadImage extracts an image part from a multipart request. A missing part
// yields (nil, nil) so callers decide whether the field is required.
func ReadImage(r *http.Request, field string, maxBytes int64) (*File, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", field, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", field, err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrFileTooLarge
	}

	// The declared part type is ignored; only the sniffed bytes count.
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, ErrNotImage
	}

	return &File{Name: header.Filename, ContentType: contentType, Data: data}, nil
}
