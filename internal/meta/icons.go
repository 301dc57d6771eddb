package meta

import (
	"mime"
	"path/filepath"
	"strings"
)

const (
	IconFolder       = "bi-folder"
	IconFile         = "bi-file"
	IconLocked       = "bi-file-lock"
	IconImage        = "bi-file-image"
	IconVideo        = "bi-file-play"
	IconAudio        = "bi-file-music"
	IconText         = "bi-file-text"
	IconPDF          = "bi-file-pdf"
	IconArchive      = "bi-file-zip"
	IconWord         = "bi-file-word"
	IconExcel        = "bi-file-excel"
	IconPresentation = "bi-file-ppt"

	MimeDirectory = "directory"
	MimeUnknown   = "unknown"
	MimeDefault   = "application/octet-stream"
)

// iconRule matches when the mime type has prefix, or contains any of substrs.
type iconRule struct {
	prefix  string
	substrs []string
	icon    string
}

// Evaluated in order; first match wins.
var iconRules = [...]iconRule{
	{prefix: "image/", icon: IconImage},
	{prefix: "video/", icon: IconVideo},
	{prefix: "audio/", icon: IconAudio},
	{prefix: "text/", icon: IconText},
	{substrs: []string{"pdf"}, icon: IconPDF},
	{substrs: []string{"zip", "compressed", "archive"}, icon: IconArchive},
	// "document" alone would also catch officedocument.spreadsheetml.
	{substrs: []string{"word", "opendocument.text"}, icon: IconWord},
	{substrs: []string{"excel", "spreadsheet"}, icon: IconExcel},
	{substrs: []string{"powerpoint", "presentation"}, icon: IconPresentation},
}

// IconForMime picks the icon class for a file's mime type.
func IconForMime(mimeType string) string {
	mt := strings.ToLower(mimeType)
	if mt == "" {
		return IconFile
	}
	for _, r := range iconRules {
		if r.prefix != "" && strings.HasPrefix(mt, r.prefix) {
			return r.icon
		}
		for _, s := range r.substrs {
			if strings.Contains(mt, s) {
				return r.icon
			}
		}
	}
	return IconFile
}

var iconByExt = map[string]string{
	".jpg": IconImage, ".jpeg": IconImage, ".png": IconImage, ".gif": IconImage, ".bmp": IconImage, ".webp": IconImage,
	".mp4": IconVideo, ".avi": IconVideo, ".mkv": IconVideo, ".mov": IconVideo, ".wmv": IconVideo, ".flv": IconVideo, ".webm": IconVideo,
	".mp3": IconAudio, ".wav": IconAudio, ".ogg": IconAudio, ".flac": IconAudio, ".aac": IconAudio,
	".txt": IconText, ".log": IconText, ".md": IconText, ".csv": IconText,
	".pdf": IconPDF,
	".zip": IconArchive, ".rar": IconArchive, ".7z": IconArchive, ".tar": IconArchive, ".gz": IconArchive, ".tgz": IconArchive,
	".doc": IconWord, ".docx": IconWord, ".rtf": IconWord,
	".xls": IconExcel, ".xlsx": IconExcel,
	".ppt": IconPresentation, ".pptx": IconPresentation,
}

// IconForName picks an icon from the extension alone.
func IconForName(name string) string {
	if icon, ok := iconByExt[strings.ToLower(filepath.Ext(name))]; ok {
		return icon
	}
	return IconFile
}

// Fallbacks for systems with sparse mime tables.
var mimeByExt = map[string]string{
	".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".png": "image/png", ".gif": "image/gif", ".webp": "image/webp", ".bmp": "image/bmp",
	".mp4": "video/mp4", ".webm": "video/webm", ".mkv": "video/x-matroska", ".mov": "video/quicktime", ".avi": "video/x-msvideo",
	".mp3": "audio/mpeg", ".m4a": "audio/mp4", ".wav": "audio/wav", ".ogg": "audio/ogg", ".flac": "audio/flac", ".aac": "audio/aac",
	".pdf":  "application/pdf",
	".txt":  "text/plain; charset=utf-8",
	".log":  "text/plain; charset=utf-8",
	".md":   "text/markdown; charset=utf-8",
	".csv":  "text/csv; charset=utf-8",
	".json": "application/json",
	".zip":  "application/zip",
	".tar":  "application/x-tar",
	".gz":   "application/gzip",
	".tgz":  "application/gzip",
	".7z":   "application/x-7z-compressed",
	".rar":  "application/vnd.rar",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// MimeForName guesses a mime type from the extension; "" if unknown.
func MimeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return mimeByExt[ext]
}
