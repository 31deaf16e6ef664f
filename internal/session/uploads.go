package session

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/okcvm/okcvm/internal/common/errors"
	"github.com/okcvm/okcvm/internal/manifest"
)

// Upload limits.
const (
	MaxUploadFiles    = 100
	MaxUploadFileSize = 100 << 20 // 100 MiB
)

// IncomingFile is one file in an upload request. Open is called at most
// once.
type IncomingFile struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// UploadedFile describes a stored upload. AbsolutePath is the agent-facing
// mount path, so resolving it lands on the stored bytes.
type UploadedFile struct {
	Name         string `json:"name"`
	RelativePath string `json:"relative_path"`
	AbsolutePath string `json:"absolute_path"`
	SizeBytes    int64  `json:"size_bytes"`
	UploadedAt   string `json:"uploaded_at"`
}

// UploadPayload is returned after a successful upload.
type UploadPayload struct {
	Files        []UploadedFile `json:"files"`
	SystemPrompt string         `json:"system_prompt"`
}

// UploadFiles validates and stores a batch of files under the workspace
// mount. The whole batch is rejected on the first violation: a file over
// the size limit, a name collision, or blowing the per-session count.
func (s *SessionState) UploadFiles(files []IncomingFile) (*UploadPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.uploads)+len(files) > MaxUploadFiles {
		return nil, apperrors.UploadLimitExceeded(MaxUploadFiles)
	}

	seen := make(map[string]bool, len(s.uploads)+len(files))
	for _, existing := range s.uploads {
		seen[existing.Name] = true
	}
	cleaned := make([]IncomingFile, 0, len(files))
	for _, file := range files {
		name := filepath.Base(strings.TrimSpace(file.Name))
		if name == "" || name == "." || name == string(filepath.Separator) {
			return nil, apperrors.ValidationError("file", "file name cannot be empty")
		}
		if file.Size > MaxUploadFileSize {
			return nil, apperrors.UploadTooLarge(name, file.Size, MaxUploadFileSize)
		}
		if seen[name] {
			return nil, apperrors.DuplicateUpload(name)
		}
		seen[name] = true
		file.Name = name
		cleaned = append(cleaned, file)
	}

	paths := s.ws.Paths()
	for _, file := range cleaned {
		if err := s.storeUpload(paths.InternalMount, file); err != nil {
			return nil, err
		}
		relative := path.Join("mnt", file.Name)
		s.uploads = append(s.uploads, UploadedFile{
			Name:         file.Name,
			RelativePath: relative,
			AbsolutePath: paths.Mount + relative,
			SizeBytes:    file.Size,
			UploadedAt:   time.Now().UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(s.uploads, func(i, j int) bool { return s.uploads[i].Name < s.uploads[j].Name })

	prompt := s.uploadPromptLocked()
	s.machine.SetSystemPrompt(prompt)
	s.log.Info("files uploaded",
		zap.Int("batch", len(cleaned)),
		zap.Int("total", len(s.uploads)))

	return &UploadPayload{
		Files:        s.uploadListLocked(),
		SystemPrompt: prompt,
	}, nil
}

func (s *SessionState) storeUpload(dir string, file IncomingFile) error {
	reader, err := file.Open()
	if err != nil {
		return apperrors.WorkspaceIO("failed to read upload", err)
	}
	defer reader.Close()

	target := filepath.Join(dir, file.Name)
	out, err := os.Create(target)
	if err != nil {
		return apperrors.WorkspaceIO("failed to store upload", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, reader); err != nil {
		return apperrors.WorkspaceIO("failed to store upload", err)
	}
	return nil
}

// ListUploads returns the stored uploads.
func (s *SessionState) ListUploads() []UploadedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadListLocked()
}

func (s *SessionState) uploadListLocked() []UploadedFile {
	out := make([]UploadedFile, len(s.uploads))
	copy(out, s.uploads)
	return out
}

// uploadPromptLocked extends the adapted system prompt with the current
// upload inventory so the model knows what the user provided.
func (s *SessionState) uploadPromptLocked() string {
	base, err := s.basePromptLocked()
	if err != nil {
		base = s.machine.SystemPrompt()
	}
	if len(s.uploads) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n## Uploaded files\n")
	b.WriteString("The user uploaded these files into the workspace:\n")
	for _, file := range s.uploads {
		fmt.Fprintf(&b, "- %s (%d bytes)\n", file.AbsolutePath, file.SizeBytes)
	}
	return b.String()
}

func (s *SessionState) basePromptLocked() (string, error) {
	prompt, err := manifest.LoadSystemPrompt()
	if err != nil {
		return "", err
	}
	return s.ws.AdaptPrompt(prompt), nil
}
