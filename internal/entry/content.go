// Package entry defines the clipboard content and entry domain types shared
// by every other component: capture, history, and the wire codec all trade
// in entry.ClipboardEntry values.
package entry

import "crypto/sha256"

// ContentType tags the variant held by a ClipboardContent.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentLink  ContentType = "link"
	ContentImage ContentType = "image"
	ContentFile  ContentType = "file"
)

// ImageFormat enumerates the encodings a captured image may arrive in.
type ImageFormat string

const (
	ImagePNG  ImageFormat = "png"
	ImageJPEG ImageFormat = "jpeg"
	ImageHEIC ImageFormat = "heic"
	ImageHEIF ImageFormat = "heif"
	ImageGIF  ImageFormat = "gif"
	ImageWebP ImageFormat = "webp"
	ImageBMP  ImageFormat = "bmp"
	ImageTIFF ImageFormat = "tiff"
)

// Image is the image variant payload. Bytes/Thumbnail are omitted from
// persisted history rows (see history.Store) and referenced via LocalPath
// instead once written to the blob store.
type Image struct {
	PixelWidth  int
	PixelHeight int
	ByteSize    int
	Format      ImageFormat
	AltText     string
	Bytes       []byte
	Thumbnail   []byte
	LocalPath   string
}

// File is the file variant payload.
type File struct {
	Name        string
	ByteSize    int
	UTIOrMIME   string
	SourceURL   string
	InlineBytes []byte
	LocalPath   string
}

// ClipboardContent is a tagged union over the four capturable content
// kinds. Exactly one of the typed fields is populated, selected by Type.
type ClipboardContent struct {
	Type  ContentType
	Text  string
	Link  string
	Image *Image
	File  *File
}

func NewText(s string) ClipboardContent { return ClipboardContent{Type: ContentText, Text: s} }
func NewLink(u string) ClipboardContent { return ClipboardContent{Type: ContentLink, Link: u} }
func NewImage(img *Image) ClipboardContent {
	return ClipboardContent{Type: ContentImage, Image: img}
}
func NewFile(f *File) ClipboardContent { return ClipboardContent{Type: ContentFile, File: f} }

// Matches implements the content "match" relation: two entries are considered the
// same logical clipboard item when their content is semantically equal.
func (c ClipboardContent) Matches(o ClipboardContent) bool {
	if c.Type != o.Type {
		return false
	}
	switch c.Type {
	case ContentText:
		return c.Text == o.Text
	case ContentLink:
		return c.Link == o.Link
	case ContentImage:
		if c.Image == nil || o.Image == nil {
			return false
		}
		return imageMatches(c.Image, o.Image)
	case ContentFile:
		if c.File == nil || o.File == nil {
			return false
		}
		return c.File.Name == o.File.Name && c.File.ByteSize == o.File.ByteSize
	default:
		return false
	}
}

func imageMatches(a, b *Image) bool {
	if len(a.Bytes) > 0 && len(b.Bytes) > 0 {
		if len(a.Bytes) == len(b.Bytes) {
			ah := sha256.Sum256(a.Bytes)
			bh := sha256.Sum256(b.Bytes)
			return ah == bh
		}
		return false
	}
	// Without raw bytes on hand (e.g. a persisted row with an externalized
	// blob) fall back to the size/dimension tuple as a best-effort match.
	return a.ByteSize == b.ByteSize && a.PixelWidth == b.PixelWidth && a.PixelHeight == b.PixelHeight
}
