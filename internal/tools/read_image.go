package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
)

// maxImageEdge is the longest edge sent to a vision model. Larger
// images are downscaled to keep request payloads within provider limits.
const maxImageEdge = 1536

// ReadImageTool loads an image file, downscales it when oversized, and
// attaches it as a base64 block so the model can see it on the next turn.
type ReadImageTool struct {
	workspace string
	restrict  bool
}

func NewReadImageTool(workspace string, restrict bool) *ReadImageTool {
	return &ReadImageTool{workspace: workspace, restrict: restrict}
}

func (t *ReadImageTool) Name() string { return "read_image" }
func (t *ReadImageTool) Description() string {
	return "Load an image file so it can be viewed. Large images are downscaled automatically."
}
func (t *ReadImageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the image file (png or jpeg)",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadImageTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if _, err := os.Stat(resolved); err != nil {
		return ErrorResult(fmt.Sprintf("cannot access image: %v", err))
	}

	img, err := imaging.Open(resolved, imaging.AutoOrientation(true))
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to decode image: %v", err))
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > maxImageEdge || h > maxImageEdge {
		if w >= h {
			img = imaging.Resize(img, maxImageEdge, 0, imaging.Lanczos)
		} else {
			img = imaging.Resize(img, 0, maxImageEdge, imaging.Lanczos)
		}
	}

	data, mediaType, err := encodeImage(img)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to encode image: %v", err))
	}

	res := SilentResult(fmt.Sprintf("Loaded image %s (%dx%d). It is attached for viewing.", path, img.Bounds().Dx(), img.Bounds().Dy()))
	return res.WithImage(mediaType, base64.StdEncoding.EncodeToString(data))
}

func encodeImage(img image.Image) ([]byte, string, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "image/jpeg", nil
}
