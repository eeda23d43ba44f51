package service

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/logging"
	"github.com/eigensurance/internal/models"
	"github.com/eigensurance/internal/storage"
	"github.com/eigensurance/internal/types"
	"github.com/google/uuid"
)

// MaxDocumentSize is the largest attachment accepted
const MaxDocumentSize = 10 << 20

const downloadURLTTL = 15 * time.Minute

// Default parse bounds; both stay below the server's write timeout
const (
	defaultPreviewTimeout = 30 * time.Second
	defaultParseTimeout   = 60 * time.Second
)

// DocumentRepository interface for document data operations
type DocumentRepository interface {
	Create(ctx context.Context, doc *models.Document) error
	ListByChat(ctx context.Context, userID, chatID string) ([]*models.Document, error)
}

// ChatOwnership reports whether a user owns a chat
type ChatOwnership interface {
	Exists(ctx context.Context, userID, id string) (bool, error)
}

// FilePinner interface for pinning raw files to IPFS
type FilePinner interface {
	PinFile(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// PDFParser extracts text from a PDF
type PDFParser interface {
	Parse(ctx context.Context, filename string, data []byte) (string, error)
}

// ObjectStorage keeps original document bytes
type ObjectStorage interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// DocumentService handles chat attachments
type DocumentService struct {
	documents DocumentRepository
	chats     ChatOwnership
	pinner    FilePinner
	parser    PDFParser
	objects   ObjectStorage

	previewTimeout time.Duration
	parseTimeout   time.Duration
}

// NewDocumentService creates a new document service. parser and objects may
// be nil: PDFs then get no preview and originals are kept on IPFS only.
func NewDocumentService(
	documents DocumentRepository,
	chats ChatOwnership,
	pinner FilePinner,
	parser PDFParser,
	objects ObjectStorage,
) *DocumentService {
	return &DocumentService{
		documents: documents,
		chats:     chats,
		pinner:    pinner,
		parser:    parser,
		objects:   objects,

		previewTimeout: defaultPreviewTimeout,
		parseTimeout:   defaultParseTimeout,
	}
}

// SetParseTimeouts bounds the upload preview parse and the parse-pdf call.
// Zero keeps the default.
func (s *DocumentService) SetParseTimeouts(preview, parse time.Duration) {
	if preview > 0 {
		s.previewTimeout = preview
	}
	if parse > 0 {
		s.parseTimeout = parse
	}
}

// UploadInput represents an uploaded file
type UploadInput struct {
	User        string
	ChatID      string
	Name        string
	ContentType string
	Data        []byte
}

// Upload attaches a file to one of the user's chats
func (s *DocumentService) Upload(ctx context.Context, in UploadInput) (*models.Document, error) {
	if len(in.Data) == 0 {
		return nil, apperrors.NewInvalidParameterError("file", "must not be empty")
	}
	if len(in.Data) > MaxDocumentSize {
		return nil, apperrors.NewInvalidParameterError("file", "exceeds 10 MiB")
	}
	name := filepath.Base(strings.TrimSpace(in.Name))
	if name == "" || name == "." || name == "/" {
		return nil, apperrors.NewInvalidParameterError("file", "missing file name")
	}

	contentType, docType, ok := documentType(in.ContentType, in.Data)
	if !ok {
		return nil, apperrors.NewInvalidParameterError("file", "only images and PDFs are accepted")
	}

	if err := s.ensureChat(ctx, in.User, in.ChatID); err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"chatId": in.ChatID,
		"name":   name,
		"type":   docType,
	})

	doc := &models.Document{
		ID:        uuid.NewString(),
		ChatID:    in.ChatID,
		UserID:    strings.ToLower(in.User),
		Name:      name,
		Type:      docType,
		SizeBytes: int64(len(in.Data)),
	}

	switch docType {
	case types.DocumentImage:
		doc.Preview = "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(in.Data)
	case types.DocumentPDF:
		doc.Preview = s.pdfPreview(ctx, name, in.Data)
	}

	hash, err := s.pinner.PinFile(ctx, name, contentType, in.Data)
	if err != nil {
		return nil, err
	}
	doc.IPFSHash = hash

	if s.objects != nil {
		key := storage.DocumentKey(doc.UserID, doc.ChatID, doc.ID)
		if err := s.objects.Put(ctx, key, contentType, in.Data); err != nil {
			logger.WithError(err).Warn("Failed to store document original")
		} else {
			doc.ObjectKey = &key
		}
	}

	if err := s.documents.Create(ctx, doc); err != nil {
		return nil, apperrors.NewDatabaseError("create document", err)
	}
	logger.WithField("ipfsHash", hash).Info("Document uploaded")
	return doc, nil
}

// List returns the documents the user attached to a chat. Documents whose
// original is in object storage carry a short-lived download URL.
func (s *DocumentService) List(ctx context.Context, user, chatID string) ([]*models.Document, error) {
	docs, err := s.documents.ListByChat(ctx, user, chatID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list documents", err)
	}
	if s.objects == nil {
		return docs, nil
	}
	for _, doc := range docs {
		if doc.ObjectKey == nil {
			continue
		}
		url, err := s.objects.PresignGet(ctx, *doc.ObjectKey, downloadURLTTL)
		if err != nil {
			logging.FromContext(ctx).WithError(err).WithField("documentId", doc.ID).Warn("Failed to presign document download")
			continue
		}
		doc.DownloadURL = url
	}
	return docs, nil
}

// ParsePDF returns the text of a PDF without storing it
func (s *DocumentService) ParsePDF(ctx context.Context, name string, data []byte) (string, error) {
	if s.parser == nil {
		return "", apperrors.NewServiceUnavailableError("pdf parser")
	}
	if len(data) == 0 {
		return "", apperrors.NewInvalidParameterError("file", "must not be empty")
	}
	if len(data) > MaxDocumentSize {
		return "", apperrors.NewInvalidParameterError("file", "exceeds 10 MiB")
	}
	if _, docType, ok := documentType("", data); !ok || docType != types.DocumentPDF {
		return "", apperrors.NewInvalidParameterError("file", "not a PDF")
	}

	parseCtx, cancel := context.WithTimeout(ctx, s.parseTimeout)
	defer cancel()
	text, err := s.parser.Parse(parseCtx, filepath.Base(name), data)
	if err != nil && ctx.Err() == nil && errors.Is(parseCtx.Err(), context.DeadlineExceeded) {
		timeout := apperrors.NewProviderTimeoutError("pdf parser")
		timeout.Cause = err
		return "", timeout
	}
	return text, err
}

func (s *DocumentService) ensureChat(ctx context.Context, user, chatID string) error {
	if chatID == "" {
		return apperrors.NewInvalidParameterError("chatId", "required")
	}
	ok, err := s.chats.Exists(ctx, user, chatID)
	if err != nil {
		return apperrors.NewDatabaseError("check chat", err)
	}
	if !ok {
		return apperrors.NewNotFoundError("chat", chatID)
	}
	return nil
}

func (s *DocumentService) pdfPreview(ctx context.Context, name string, data []byte) string {
	if s.parser == nil {
		return ""
	}
	// the upload response must not wait on a slow parse
	parseCtx, cancel := context.WithTimeout(ctx, s.previewTimeout)
	defer cancel()
	text, err := s.parser.Parse(parseCtx, name, data)
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("name", name).Warn("PDF parse failed, storing without preview")
		return ""
	}
	return text
}

// documentType resolves the stored content type, sniffing the bytes when the
// client sent none or a generic one
func documentType(declared string, data []byte) (string, types.DocumentType, bool) {
	contentType := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
		if i := strings.IndexByte(contentType, ';'); i >= 0 {
			contentType = contentType[:i]
		}
	}

	switch {
	case contentType == "application/pdf":
		return contentType, types.DocumentPDF, true
	case strings.HasPrefix(contentType, "image/"):
		return contentType, types.DocumentImage, true
	}
	return "", "", false
}
