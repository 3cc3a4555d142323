package sample

import (
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".heic": true,
	".heif": true,
}

var audioExts = map[string]bool{
	".webm": true,
	".wav":  true,
	".ogg":  true,
	".mp3":  true,
	".m4a":  true,
	".mp4":  true,
	".mov":  true,
	".aac":  true,
	".flac": true,
	".opus": true,
}

// ModalityOf dispatches on the file extension. ok is false for
// unrecognized extensions.
func ModalityOf(name string) (m Modality, ok bool) {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case imageExts[ext]:
		return Frame, true
	case audioExts[ext]:
		return Audio, true
	}
	return "", false
}

// ArtifactName joins a sample key and an original upload name.
func ArtifactName(key Key, original string) string {
	return string(key) + "_" + original
}

// ParseArtifactName recovers the sample key from a stored artifact name by
// taking its first two "_"-delimited segments. Names without a non-empty
// caller, token and remainder do not parse.
func ParseArtifactName(name string) (Key, bool) {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) < 3 {
		return "", false
	}
	if parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", false
	}
	return Key(parts[0] + "_" + parts[1]), true
}

// Group pairs stored artifact names into samples keyed by sample key.
// Names that don't parse or carry an unrecognized extension are ignored.
// When several artifacts of one modality share a key, the lexicographically
// first one wins so repeated scans are stable.
func Group(dir string, names []string) map[Key]Sample {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	out := make(map[Key]Sample)
	for _, name := range sorted {
		key, ok := ParseArtifactName(name)
		if !ok {
			continue
		}
		m, ok := ModalityOf(name)
		if !ok {
			continue
		}
		s := out[key]
		s.Key = key
		path := filepath.Join(dir, name)
		switch m {
		case Frame:
			if s.FramePath == "" {
				s.FramePath = path
			}
		case Audio:
			if s.AudioPath == "" {
				s.AudioPath = path
			}
		}
		out[key] = s
	}
	return out
}
