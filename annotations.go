package stepchat

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"path"
)

// FileLocator resolves files created inside a tool sandbox container.
type FileLocator interface {
	ContainerFilePath(ctx context.Context, containerID, fileID string) (string, error)
}

// Rewriter turns citation annotations into link markup.
type Rewriter struct {
	Locator FileLocator
	Logger  *slog.Logger

	// FilePrefix is the route serving uploaded files by name. Defaults to "/files".
	FilePrefix string
}

func (r *Rewriter) logger() *slog.Logger {
	if r.Logger == nil {
		return discardLogger
	}
	return r.Logger
}

func (r *Rewriter) prefix() string {
	if r.FilePrefix == "" {
		return "/files"
	}
	return r.FilePrefix
}

// Rewrite returns the replacement event for a, or false when nothing should
// be emitted.
func (r *Rewriter) Rewrite(ctx context.Context, a Annotation, activeItemID string) (Event, bool) {
	if activeItemID == "" {
		return nil, false
	}
	switch an := a.(type) {
	case FileCitation:
		if an.Filename == "" {
			r.logger().Warn("file citation without filename", "file_id", an.FileID)
			return nil, false
		}
		return TextReplaced{ItemID: activeItemID, Markup: r.FileAnchor(an.Filename)}, true

	case ContainerFileCitation:
		if r.Locator == nil {
			r.logger().Warn("no locator for container file citation", "container_id", an.ContainerID, "file_id", an.FileID)
			return nil, false
		}
		p, err := r.Locator.ContainerFilePath(ctx, an.ContainerID, an.FileID)
		if err != nil {
			r.logger().Warn("container file lookup failed",
				"container_id", an.ContainerID,
				"file_id", an.FileID,
				"error", err,
			)
			return nil, false
		}
		return TextReplaced{
			ItemID: activeItemID,
			Markup: SandboxLink(p, r.ContainerFileRoute(an.ContainerID, an.FileID)),
		}, true
	}

	typ := "<nil>"
	if a != nil {
		typ = a.AnnotationType()
	}
	r.logger().Warn("unhandled annotation type", "type", typ)
	return nil, false
}

// FileAnchor builds a download link for an uploaded file.
func (r *Rewriter) FileAnchor(filename string) string {
	href := r.prefix() + "/" + url.PathEscape(filename)
	return fmt.Sprintf(`<a class="file-citation" href="%s" target="_blank">(%s)</a>`,
		html.EscapeString(href), html.EscapeString(filename))
}

// ContainerFileRoute is the local route proxying a container file's content.
func (r *Rewriter) ContainerFileRoute(containerID, fileID string) string {
	return fmt.Sprintf("%s/%s/%s/content", r.prefix(), url.PathEscape(containerID), url.PathEscape(fileID))
}

// SandboxLink links the sandbox path p to its download route.
func SandboxLink(p, route string) string {
	return fmt.Sprintf(`<a class="sandbox-link" href="%s" download="%s">%s</a>`,
		html.EscapeString(route), html.EscapeString(path.Base(p)), html.EscapeString(p))
}
