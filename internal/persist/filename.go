package persist

import (
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/zulandar/kommemeorate/internal/event"
)

const defaultExt = ".jpg"

// Filename derives the blob name for an image from its source, so the same
// message always maps to the same file. The extension follows the detected
// image type and defaults to .jpg.
func Filename(src event.Source, data []byte) string {
	var b strings.Builder
	b.WriteString(event.SafeName(string(src.Platform)))
	b.WriteByte('-')
	b.WriteString(event.SafeName(src.Channel))
	b.WriteByte('-')
	b.WriteString(event.SafeName(src.Account))
	b.WriteByte('-')
	b.WriteString(strconv.FormatInt(src.MessageID, 10))
	b.WriteString(extension(data))
	return b.String()
}

func extension(data []byte) string {
	if len(data) == 0 {
		return defaultExt
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") || mt.Extension() == "" {
		return defaultExt
	}
	if mt.Extension() == ".jpeg" {
		return defaultExt
	}
	return mt.Extension()
}
