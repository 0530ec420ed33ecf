package responses

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/openai/openai-go/v3"
)

// ContainerFilePath resolves the sandbox path of a file created by
// code_interpreter.
func (s *Session) ContainerFilePath(ctx context.Context, containerID, fileID string) (string, error) {
	f, err := s.client.Containers.Files.Get(ctx, containerID, fileID)
	if err != nil {
		return "", fmt.Errorf("responses: get container file %s/%s: %w", containerID, fileID, err)
	}
	return f.Path, nil
}

// ContainerFile is the downloadable content of a container file.
type ContainerFile struct {
	Body        io.ReadCloser
	ContentType string
	Length      int64
}

// ContainerFileContent opens the content of a container file. The caller
// must close Body.
func (s *Session) ContainerFileContent(ctx context.Context, containerID, fileID string) (*ContainerFile, error) {
	res, err := s.client.Containers.Files.Content.Get(ctx, containerID, fileID)
	if err != nil {
		return nil, fmt.Errorf("responses: get container file content %s/%s: %w", containerID, fileID, err)
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, fmt.Errorf("responses: get container file content %s/%s: status %d", containerID, fileID, res.StatusCode)
	}
	return &ContainerFile{
		Body:        res.Body,
		ContentType: res.Header.Get("Content-Type"),
		Length:      res.ContentLength,
	}, nil
}

// VectorStoreFile describes a file attached to a vector store.
type VectorStoreFile struct {
	ID        string
	Filename  string
	Status    string
	LastError string
}

// CreateVectorStore creates a vector store and returns its id.
func (s *Session) CreateVectorStore(ctx context.Context, name string) (string, error) {
	vs, err := s.client.VectorStores.New(ctx, openai.VectorStoreNewParams{Name: openai.String(name)})
	if err != nil {
		return "", fmt.Errorf("responses: create vector store: %w", err)
	}
	return vs.ID, nil
}

// UploadToVectorStore uploads r as filename and attaches it to the store.
func (s *Session) UploadToVectorStore(ctx context.Context, vectorStoreID, filename string, r io.Reader) (VectorStoreFile, error) {
	f, err := s.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(r, filename, "application/octet-stream"),
		Purpose: openai.FilePurposeAssistants,
	})
	if err != nil {
		return VectorStoreFile{}, fmt.Errorf("responses: upload %s: %w", filename, err)
	}
	vf, err := s.client.VectorStores.Files.New(ctx, vectorStoreID, openai.VectorStoreFileNewParams{FileID: f.ID})
	if err != nil {
		return VectorStoreFile{}, fmt.Errorf("responses: attach %s: %w", filename, err)
	}
	return VectorStoreFile{ID: vf.ID, Filename: f.Filename, Status: string(vf.Status)}, nil
}

// ListVectorStoreFiles lists the files of a store, newest first, resolving
// their filenames.
func (s *Session) ListVectorStoreFiles(ctx context.Context, vectorStoreID string) ([]VectorStoreFile, error) {
	page, err := s.client.VectorStores.Files.List(ctx, vectorStoreID, openai.VectorStoreFileListParams{
		Order: openai.VectorStoreFileListParamsOrderDesc,
	})
	if err != nil {
		return nil, fmt.Errorf("responses: list vector store files: %w", err)
	}
	out := make([]VectorStoreFile, 0, len(page.Data))
	for _, vf := range page.Data {
		item := VectorStoreFile{ID: vf.ID, Status: string(vf.Status), LastError: vf.LastError.Message}
		if f, err := s.client.Files.Get(ctx, vf.ID); err == nil {
			item.Filename = f.Filename
		} else {
			s.logger.Warn("file lookup failed", "file_id", vf.ID, "error", err)
			item.Filename = vf.ID
		}
		out = append(out, item)
	}
	return out, nil
}

// DeleteVectorStoreFile detaches a file from the store and deletes it.
func (s *Session) DeleteVectorStoreFile(ctx context.Context, vectorStoreID, fileID string) error {
	if _, err := s.client.VectorStores.Files.Delete(ctx, vectorStoreID, fileID); err != nil {
		return fmt.Errorf("responses: detach %s: %w", fileID, err)
	}
	if _, err := s.client.Files.Delete(ctx, fileID); err != nil {
		return fmt.Errorf("responses: delete %s: %w", fileID, err)
	}
	return nil
}
