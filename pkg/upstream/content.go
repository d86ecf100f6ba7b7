package upstream

import (
	"mime"
	"strings"
)

// ContentKind 是上游响应体的分类，决定网关是流式透传还是缓冲检查。
type ContentKind int

const (
	KindOtherText ContentKind = iota
	KindBinary
	KindJSON
	KindHTML
)

func (k ContentKind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindJSON:
		return "json"
	case KindHTML:
		return "html"
	default:
		return "text"
	}
}

// Classify 根据 Content-Type 判断响应类别。无法解析的类型按普通文本处理。
func Classify(contentType string) ContentKind {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}

	switch {
	case strings.HasPrefix(mediaType, "image/"),
		strings.HasPrefix(mediaType, "video/"),
		mediaType == "application/octet-stream",
		mediaType == "application/zip",
		mediaType == "application/x-zip-compressed":
		return KindBinary
	case mediaType == "application/json", strings.HasSuffix(mediaType, "+json"):
		return KindJSON
	case mediaType == "text/html":
		return KindHTML
	default:
		return KindOtherText
	}
}
